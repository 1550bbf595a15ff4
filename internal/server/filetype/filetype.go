// Package filetype holds the allow-list of accepted document types and the
// checks run against declared metadata and leading payload bytes.
package filetype

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/dmitrijs2005/docintake/internal/common"
)

// SniffLen is how many leading bytes Sniff needs to see.
const SniffLen = 3072

var (
	ErrEmptyName         = fmt.Errorf("%w: empty file name", common.ErrorValidation)
	ErrBadSize           = fmt.Errorf("%w: size must be positive", common.ErrorValidation)
	ErrTooLarge          = fmt.Errorf("%w: file too large", common.ErrorValidation)
	ErrUnsupportedType   = fmt.Errorf("%w: unsupported mime type", common.ErrorValidation)
	ErrUnsupportedExt    = fmt.Errorf("%w: unsupported extension", common.ErrorValidation)
	ErrExtensionMismatch = fmt.Errorf("%w: extension does not match mime type", common.ErrorValidation)
	ErrSignatureMismatch = fmt.Errorf("%w: content does not match mime type", common.ErrorValidation)
)

// Rule binds a MIME type to its file extensions and to the detected types
// whose structure it accepts.
type Rule struct {
	MIME       string
	Extensions []string
	signature  []string
}

// DefaultRules is the document allow-list.
var DefaultRules = []Rule{
	{
		MIME:       "application/pdf",
		Extensions: []string{".pdf"},
		signature:  []string{"application/pdf"},
	},
	{
		MIME:       "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		Extensions: []string{".docx"},
		// a truncated head may only reveal the zip container
		signature: []string{"application/vnd.openxmlformats-officedocument.wordprocessingml.document", "application/zip"},
	},
	{
		MIME:       "text/plain",
		Extensions: []string{".txt"},
		signature:  []string{"text/plain"},
	},
	{
		MIME:       "text/markdown",
		Extensions: []string{".md", ".markdown"},
		signature:  []string{"text/plain"},
	},
	{
		MIME:       "application/rtf",
		Extensions: []string{".rtf"},
		signature:  []string{"text/rtf", "application/rtf"},
	},
}

// Normalize lowercases a media type and drops its parameters.
func Normalize(mime string) string {
	mime, _, _ = strings.Cut(mime, ";")
	return strings.ToLower(strings.TrimSpace(mime))
}

func ruleForMIME(mime string) (Rule, bool) {
	mime = Normalize(mime)
	for _, r := range DefaultRules {
		if r.MIME == mime {
			return r, true
		}
	}
	return Rule{}, false
}

func ruleForExt(ext string) (Rule, bool) {
	ext = strings.ToLower(ext)
	for _, r := range DefaultRules {
		for _, e := range r.Extensions {
			if e == ext {
				return r, true
			}
		}
	}
	return Rule{}, false
}

// Allowed reports whether mime is on the allow-list.
func Allowed(mime string) bool {
	_, ok := ruleForMIME(mime)
	return ok
}

// CheckMeta validates declared metadata without touching bytes. All errors
// wrap common.ErrorValidation. ErrExtensionMismatch is returned only when
// both the MIME type and the extension are individually allowed.
func CheckMeta(name, mime string, size, maxBytes int64) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}
	if size <= 0 {
		return ErrBadSize
	}
	if maxBytes > 0 && size > maxBytes {
		return ErrTooLarge
	}
	rule, ok := ruleForMIME(mime)
	if !ok {
		return ErrUnsupportedType
	}
	byExt, ok := ruleForExt(filepath.Ext(name))
	if !ok {
		return ErrUnsupportedExt
	}
	if byExt.MIME != rule.MIME {
		return ErrExtensionMismatch
	}
	return nil
}

// IsBatchFatal reports whether a CheckMeta error must abort a whole batch
// rather than fail a single file.
func IsBatchFatal(err error) bool {
	return err != nil && !errors.Is(err, ErrExtensionMismatch)
}

// Sniff verifies that head, the leading bytes of a payload, structurally
// matches the declared MIME type.
func Sniff(mime string, head []byte) error {
	rule, ok := ruleForMIME(mime)
	if !ok {
		return ErrUnsupportedType
	}
	for m := mimetype.Detect(head); m != nil; m = m.Parent() {
		for _, want := range rule.signature {
			if m.Is(want) {
				return nil
			}
		}
	}
	return ErrSignatureMismatch
}
