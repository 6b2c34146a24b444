package version

// Version is set at build time with -ldflags.
var Version = "0.0.0"
