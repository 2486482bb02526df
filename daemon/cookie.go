package daemon

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/ioutil"
	"strings"
)

// resolveAuth builds the HTTP basic auth header from either an explicit
// "USER:PASSWORD" value or the cookie file written by the node.
func resolveAuth(cfg Config) (string, error) {
	cred := cfg.Auth
	if cred == "" {
		if cfg.CookiePath == "" {
			return "", errors.New("daemon: no cookie file and no explicit credentials")
		}
		raw, err := ioutil.ReadFile(cfg.CookiePath)
		if err != nil {
			return "", fmt.Errorf("reading cookie file: %w", err)
		}
		cred = strings.TrimSpace(string(raw))
	}
	if !strings.Contains(cred, ":") {
		return "", fmt.Errorf("daemon: malformed credentials, want USER:PASSWORD")
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(cred)), nil
}
