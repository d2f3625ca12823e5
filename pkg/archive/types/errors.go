package types

import (
	"errors"
	"fmt"
)

// Error definitions shared by every engine variant.
var (
	ErrUnknownFormat        = errors.New("unknown archive format")
	ErrCorruptEntry         = errors.New("entry checksum mismatch")
	ErrAuthentication       = errors.New("wrong password")
	ErrPasswordRequired     = errors.New("entry is encrypted and no password was given")
	ErrEncryptedUnsupported = errors.New("encrypted entries not supported for this format")
	ErrMethodUnsupported    = errors.New("compression method not supported")
	ErrEntryNotFound        = errors.New("entry not found in archive")
	ErrDirectoryExtract     = errors.New("cannot extract a directory entry")
)

// CorruptEntryf wraps ErrCorruptEntry with entry context.
func CorruptEntryf(entry string, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %s", ErrCorruptEntry, entry, fmt.Sprintf(format, args...))
}

// AuthOrCorrupt classifies a checksum mismatch: on an encrypted entry a bad
// digest after decryption+decompression means the password was wrong, and
// must not be reported as plain corruption.
func AuthOrCorrupt(encrypted bool, entry string) error {
	if encrypted {
		return fmt.Errorf("%w: checksum mismatch on encrypted entry %s", ErrAuthentication, entry)
	}
	return fmt.Errorf("%w: %s", ErrCorruptEntry, entry)
}
