package pathresolve

import "golang.org/x/sys/windows"

// normalizeForOS round-trips path through UTF-16, the native wide-character
// form Windows file APIs expect, so a GUID-bearing or non-ASCII filename
// pulled out of the descriptor's <File> element is validated before any
// attempt to open it. Go's os.Open already does this conversion
// internally; this is a defensive pre-check to turn an unencodable
// filename into an error here rather than a vague failure from the OS.
func normalizeForOS(path string) (string, error) {
	if _, err := windows.UTF16FromString(path); err != nil {
		return "", err
	}
	return path, nil
}
