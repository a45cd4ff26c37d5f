package builtin

var Version = "[manual build]"
