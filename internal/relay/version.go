package relay

// Version is the relay's semantic version, set via ldflags at build time.
// Clients must be at least this new to pass the compatibility handshake.
var Version = "2.0.0"
