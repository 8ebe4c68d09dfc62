package services

import (
	"fmt"
	"net/url"
	"strings"
)

// repoRef names a repository on the remote service.
type repoRef struct {
	owner   string
	repo    string
	baseURL string
}

// parseRepoURL extracts owner and name from a repository web, clone or scp
// style URL. The last two path segments are owner/repo, so instances served
// under a sub-path work too.
func parseRepoURL(raw string) (*repoRef, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(strings.TrimSuffix(s, "/"), ".git")
	if s == "" {
		return nil, fmt.Errorf("%w: empty repository URL", ErrInvalidInput)
	}

	var host, scheme, path string
	if i := strings.Index(s, "://"); i >= 0 {
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid repository URL %q: %v", ErrInvalidInput, raw, err)
		}
		scheme, host, path = u.Scheme, u.Host, u.Path
	} else if at := strings.Index(s, "@"); at >= 0 && strings.Contains(s[at:], ":") {
		// git@host:owner/repo
		rest := s[at+1:]
		colon := strings.Index(rest, ":")
		scheme, host, path = "ssh", rest[:colon], rest[colon+1:]
	} else {
		return nil, fmt.Errorf("%w: repository URL %q has no protocol", ErrInvalidInput, raw)
	}

	parts := strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
	if host == "" || len(parts) < 2 {
		return nil, fmt.Errorf("%w: repository URL %q needs owner/repo", ErrInvalidInput, raw)
	}

	owner, repo := parts[len(parts)-2], parts[len(parts)-1]
	base := scheme + "://" + host
	if prefix := parts[:len(parts)-2]; len(prefix) > 0 {
		base += "/" + strings.Join(prefix, "/")
	}
	return &repoRef{owner: owner, repo: repo, baseURL: base}, nil
}
