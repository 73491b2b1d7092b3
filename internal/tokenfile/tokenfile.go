// Package tokenfile reads the OAuth2 token file a host process has already
// populated. rqshare never obtains or refreshes credentials itself (the
// host injects them); this package exists only so --token-file has one
// on-disk format shared with the rest of the codebase.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/oauth2"
)

// File is the on-disk format for a token file.
type File struct {
	Token *oauth2.Token `json:"token"`
}

// Load reads a saved token file from disk. Returns (nil, nil) if the file
// does not exist. Bare oauth2.Token files (without the "token" wrapper) are
// not supported — the host must write the wrapped format.
func Load(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var tf File
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	if tf.Token == nil {
		return nil, fmt.Errorf("tokenfile: %s missing token field", path)
	}

	return tf.Token, nil
}
