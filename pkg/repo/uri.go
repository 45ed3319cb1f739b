package repo

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrInvalidInput = errors.New("repo: invalid input")

var (
	didPattern        = regexp.MustCompile(`^did:[a-z]+:[a-zA-Z0-9._:%-]+$`)
	collectionPattern = regexp.MustCompile(`^[a-z][a-z0-9]*(\.[a-z][a-z0-9]*)+$`)
	rkeyPattern       = regexp.MustCompile(`^[a-zA-Z0-9._~-]+$`)
)

// ValidateDid checks the did:<method>:<id> form.
func ValidateDid(did string) error {
	if !didPattern.MatchString(did) {
		return fmt.Errorf("%w: did %q", ErrInvalidInput, did)
	}
	return nil
}

// ValidateCollection checks the dotted lower-case NSID form.
func ValidateCollection(collection string) error {
	if !collectionPattern.MatchString(collection) {
		return fmt.Errorf("%w: collection %q", ErrInvalidInput, collection)
	}
	return nil
}

// ValidateRkey checks the record key charset.
func ValidateRkey(rkey string) error {
	if !rkeyPattern.MatchString(rkey) {
		return fmt.Errorf("%w: rkey %q", ErrInvalidInput, rkey)
	}
	return nil
}

// RecordUri renders the at:// form of a record address.
func RecordUri(did, collection, rkey string) string {
	return fmt.Sprintf("at://%s/%s/%s", did, collection, rkey)
}

// ParseRecordUri splits an at:// URI back into its parts.
func ParseRecordUri(uri string) (did, collection, rkey string, err error) {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return "", "", "", fmt.Errorf("%w: uri %q", ErrInvalidInput, uri)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("%w: uri %q", ErrInvalidInput, uri)
	}
	did, collection, rkey = parts[0], parts[1], parts[2]
	if err := ValidateDid(did); err != nil {
		return "", "", "", err
	}
	if err := ValidateCollection(collection); err != nil {
		return "", "", "", err
	}
	if err := ValidateRkey(rkey); err != nil {
		return "", "", "", err
	}
	return did, collection, rkey, nil
}
