package snapshot

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Credentials Coinbase Exchange API key 三件套
type Credentials struct {
	Key        string
	Secret     string // base64
	Passphrase string
}

// HMACSigner CB-ACCESS-SIGN = base64(hmac_sha256(base64decode(secret), ts + method + path + body))
type HMACSigner struct {
	creds  Credentials
	secret []byte
	now    func() time.Time
}

func NewHMACSigner(creds Credentials) (*HMACSigner, error) {
	if creds.Key == "" || creds.Secret == "" || creds.Passphrase == "" {
		return nil, errors.New("snapshot: key, secret and passphrase are all required")
	}
	secret, err := base64.StdEncoding.DecodeString(creds.Secret)
	if err != nil {
		return nil, errors.New("snapshot: secret must be base64")
	}
	return &HMACSigner{creds: creds, secret: secret, now: time.Now}, nil
}

func (s *HMACSigner) Sign(req *http.Request, body []byte) error {
	ts := strconv.FormatInt(s.now().Unix(), 10)
	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(ts + req.Method + path))
	mac.Write(body)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("CB-ACCESS-KEY", s.creds.Key)
	req.Header.Set("CB-ACCESS-SIGN", sig)
	req.Header.Set("CB-ACCESS-TIMESTAMP", ts)
	req.Header.Set("CB-ACCESS-PASSPHRASE", s.creds.Passphrase)
	return nil
}

// NewAuthClient 带签名的快照接口，限额比公开接口高
func NewAuthClient(apiURL string, creds Credentials, opt Options) (*Client, error) {
	signer, err := NewHMACSigner(creds)
	if err != nil {
		return nil, err
	}
	return newClient(apiURL, signer, opt)
}
