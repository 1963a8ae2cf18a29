package agent

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmcleod/ironsession/internal/util"
)

// SecretFile is the name of the file in the data directory holding the
// bearer secret for token-bearing routes.
const SecretFile = "agent.token"

const secretBytes = 32

// LoadOrCreateSecret returns the agent secret stored in dir, generating
// and persisting one on first use. The file is readable by the owner only.
func LoadOrCreateSecret(dir string) (string, error) {
	path := filepath.Join(dir, SecretFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if s := strings.TrimSpace(string(data)); s != "" {
			return s, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("reading agent secret: %w", err)
	}

	s, err := newSecret()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(s+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing agent secret: %w", err)
	}
	return s, nil
}

func newSecret() (string, error) {
	b, err := util.RandomBytes(secretBytes)
	if err != nil {
		return "", fmt.Errorf("generating agent secret: %w", err)
	}
	return util.HexEncode(b), nil
}

// requireSecret rejects requests that do not carry the agent secret as a
// bearer token. An agent without a secret rejects every request.
func (a *Agent) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || a.secret == "" || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(a.secret)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="ironsession-agent"`)
			writeError(w, http.StatusUnauthorized, "agent secret required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
