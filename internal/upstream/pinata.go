package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

type PinResult struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

type Pinner interface {
	Pin(ctx context.Context, name string, r io.Reader, mime string) (PinResult, error)
}

type PinataConfig struct {
	BaseURL   string
	APIKey    string
	SecretKey string
	Pacing    Pacing
}

type PinataClient struct {
	cfg  PinataConfig
	call caller
}

func NewPinataClient(cfg PinataConfig, client *http.Client, observe Observer) *PinataClient {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &PinataClient{cfg: cfg, call: newCaller("pinata", client, cfg.Pacing, observe)}
}

// Pin streams r to pinFileToIPFS and returns the content hash.
func (c *PinataClient) Pin(ctx context.Context, name string, r io.Reader, mime string) (PinResult, error) {
	if c.cfg.BaseURL == "" || c.cfg.APIKey == "" || c.cfg.SecretKey == "" {
		return PinResult{}, fmt.Errorf("pinata: %w", ErrNotConfigured)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writePinForm(mw, name, r, mime))
	}()
	defer pr.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/pinning/pinFileToIPFS", pr)
	if err != nil {
		return PinResult{}, fmt.Errorf("pinata: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("pinata_api_key", c.cfg.APIKey)
	req.Header.Set("pinata_secret_api_key", c.cfg.SecretKey)

	body, err := c.call.do(ctx, req)
	if err != nil {
		return PinResult{}, err
	}

	var res PinResult
	if err := json.Unmarshal(body, &res); err != nil {
		return PinResult{}, fmt.Errorf("pinata: decoding response: %w", err)
	}
	if res.IpfsHash == "" {
		return PinResult{}, fmt.Errorf("pinata: response without IpfsHash")
	}
	return res, nil
}

func writePinForm(mw *multipart.Writer, name string, r io.Reader, mime string) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	if mime != "" {
		h.Set("Content-Type", mime)
	}
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}

	meta, err := json.Marshal(map[string]any{"name": name})
	if err != nil {
		return err
	}
	if err := mw.WriteField("pinataMetadata", string(meta)); err != nil {
		return err
	}
	return mw.Close()
}
