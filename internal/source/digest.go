package source

import (
	"context"
	"crypto/md5"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// getWithAuth faz o GET do upstream. Com credenciais, tenta Basic primeiro e
// refaz com Digest se o dispositivo responder 401 com desafio Digest.
func getWithAuth(ctx context.Context, client *http.Client, rawURL, username, password string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if username != "" {
		req.SetBasicAuth(username, password)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || username == "" {
		return resp, nil
	}

	authHeader := resp.Header.Get("WWW-Authenticate")
	if !strings.HasPrefix(strings.ToLower(authHeader), "digest ") {
		return resp, nil
	}
	_ = resp.Body.Close()

	digest, err := parseDigestAuthHeader(authHeader)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	req2, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req2.Header.Set("Authorization", digestAuthorization(digest, username, password, http.MethodGet, u.RequestURI(), randomHex(16)))
	return client.Do(req2)
}

type digestChallenge struct {
	Realm  string
	Nonce  string
	Qop    string
	Opaque string
}

var digestRx = regexp.MustCompile(`(\w+)="([^"]*)"`)

func parseDigestAuthHeader(h string) (*digestChallenge, error) {
	if !strings.HasPrefix(strings.ToLower(h), "digest ") {
		return nil, fmt.Errorf("WWW-Authenticate não é Digest: %s", h)
	}
	h = strings.TrimSpace(h[len("Digest "):])
	res := &digestChallenge{}
	for _, kv := range digestRx.FindAllStringSubmatch(h, -1) {
		switch strings.ToLower(kv[1]) {
		case "realm":
			res.Realm = kv[2]
		case "nonce":
			res.Nonce = kv[2]
		case "qop":
			res.Qop = kv[2]
		case "opaque":
			res.Opaque = kv[2]
		}
	}
	if res.Realm == "" || res.Nonce == "" {
		return nil, fmt.Errorf("realm/nonce ausentes em WWW-Authenticate: %s", h)
	}
	if res.Qop == "" {
		res.Qop = "auth"
	} else {
		// "auth,auth-int" -> usamos auth
		res.Qop = strings.TrimSpace(strings.Split(res.Qop, ",")[0])
	}
	return res, nil
}

func digestAuthorization(c *digestChallenge, username, password, method, uri, cnonce string) string {
	const nc = "00000001"
	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", username, c.Realm, password))
	ha2 := md5Hex(fmt.Sprintf("%s:%s", method, uri))
	response := md5Hex(fmt.Sprintf("%s:%s:%s:%s:%s:%s", ha1, c.Nonce, nc, cnonce, c.Qop, ha2))

	v := fmt.Sprintf(
		`Digest username="%s", realm="%s", nonce="%s", uri="%s", algorithm=MD5, response="%s", qop=%s, nc=%s, cnonce="%s"`,
		username, c.Realm, c.Nonce, uri, response, c.Qop, nc, cnonce,
	)
	if c.Opaque != "" {
		v += fmt.Sprintf(`, opaque="%s"`, c.Opaque)
	}
	return v
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := crand.Read(b); err != nil {
		return strings.Repeat("0", 2*n)
	}
	return hex.EncodeToString(b)
}
