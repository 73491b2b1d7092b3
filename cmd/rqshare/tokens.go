package main

import (
	"fmt"

	"golang.org/x/oauth2"

	"github.com/paladugu82/node-smb-server-sub001/internal/tokenfile"
)

// loadTokenSource reads a saved OAuth2 token from path and wraps it in a
// TokenSource. rqshare does not implement any OAuth flow itself (out of
// scope per the host-injects-credentials design); it only consumes a token
// a host process has already obtained, via the token file format shared
// with the rest of this codebase.
func loadTokenSource(path string) (oauth2.TokenSource, error) {
	if path == "" {
		return nil, fmt.Errorf("--token-file is required to authenticate against the DAM remote")
	}

	tok, err := tokenfile.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading token file %s: %w", path, err)
	}

	if tok == nil {
		return nil, fmt.Errorf("token file %s does not exist", path)
	}

	return oauth2.StaticTokenSource(tok), nil
}
