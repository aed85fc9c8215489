// Package iletimerkezi implements SMS delivery through the İleti
// Merkezi (emarka) JSON API.
package iletimerkezi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"
)

const (
	providerID = "iletimerkezi"
	apiURL     = "https://api.iletimerkezi.com/v1/send-sms/json"
	statusOK   = 200
)

var reNum = regexp.MustCompile(`^\+?[0-9]{8,15}$`)

// Iletimerkezi is the default representation of the provider.
type Iletimerkezi struct {
	cfg Config
	h   *http.Client
}

type Config struct {
	RootURL  string        `json:"root_url"`
	APIKey   string        `json:"api_key"`
	APIHash  string        `json:"api_hash"`
	Sender   string        `json:"sender"`
	Timeout  time.Duration `json:"timeout"`
	MaxConns int           `json:"max_conns"`
}

type apiReq struct {
	Request struct {
		Authentication struct {
			Key  string `json:"key"`
			Hash string `json:"hash"`
		} `json:"authentication"`
		Order struct {
			Sender  string `json:"sender"`
			Message struct {
				Text       string `json:"text"`
				Receipents struct {
					Number []string `json:"number"`
				} `json:"receipents"`
			} `json:"message"`
		} `json:"order"`
	} `json:"request"`
}

type apiResp struct {
	Response struct {
		Status struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"status"`
	} `json:"response"`
}

// New returns an İleti Merkezi SMS provider.
func New(cfg Config) (*Iletimerkezi, error) {
	if cfg.APIKey == "" || cfg.APIHash == "" {
		return nil, errors.New("invalid api_key or api_hash")
	}
	if cfg.Sender == "" {
		return nil, errors.New("invalid sender")
	}
	if cfg.RootURL == "" {
		cfg.RootURL = apiURL
	}
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 5
	}
	if cfg.MaxConns < 1 {
		cfg.MaxConns = 1
	}

	return &Iletimerkezi{
		cfg: cfg,
		h: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   cfg.MaxConns,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
	}, nil
}

// ID returns the Provider's ID.
func (im *Iletimerkezi) ID() string {
	return providerID
}

// ValidateAddress "validates" a phone number.
func (im *Iletimerkezi) ValidateAddress(to string) error {
	if !reNum.MatchString(to) {
		return errors.New("invalid mobile number")
	}
	return nil
}

// Push pushes out an SMS.
func (im *Iletimerkezi) Push(ctx context.Context, to string, body []byte) error {
	var payload apiReq
	payload.Request.Authentication.Key = im.cfg.APIKey
	payload.Request.Authentication.Hash = im.cfg.APIHash
	payload.Request.Order.Sender = im.cfg.Sender
	payload.Request.Order.Message.Text = string(body)
	payload.Request.Order.Message.Receipents.Number = []string{to}

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, im.cfg.RootURL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := im.h.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	rb, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var r apiResp
	if err := json.Unmarshal(rb, &r); err != nil {
		return err
	}
	if r.Response.Status.Code != statusOK {
		return fmt.Errorf("sms gateway error %d: %s", r.Response.Status.Code, r.Response.Status.Message)
	}

	return nil
}

// MaxBodyLen returns the max permitted body size.
func (im *Iletimerkezi) MaxBodyLen() int {
	return 917
}
