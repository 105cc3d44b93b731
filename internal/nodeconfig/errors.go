package nodeconfig

import "errors"

var (
	// ErrConfigMissing is returned when no config file exists and creation
	// was not explicitly requested.
	ErrConfigMissing = errors.New("nodeconfig: configuration file missing")
	// ErrPubkeyMismatch is returned when the identity file's derived public
	// key disagrees with the one recorded in the config file.
	ErrPubkeyMismatch = errors.New("nodeconfig: identity public key does not match configuration")
	// ErrIdentityMissing is returned when a config file exists but its
	// sibling identity file does not.
	ErrIdentityMissing = errors.New("nodeconfig: identity file missing for existing configuration")
)
