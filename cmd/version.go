package cmd

// Version is the application version, intended to be stamped at build time:
//
//	go build -ldflags "-X github.com/kallaxis/waldo-cli/cmd.Version=1.2.3"
var Version = "0.1.0"
