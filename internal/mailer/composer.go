package mailer

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	htmlTemplate "html/template"
	"os"
	"strings"
	textTemplate "text/template"
	"time"

	"github.com/incrypto/nftmarket/internal/market"
)

//go:embed templates/*
var templateFS embed.FS

// ErrInvalidBackground is returned when the background asset is neither a
// data:image URL nor an http(s) URL.
var ErrInvalidBackground = errors.New("invalid background asset")

// DefaultBrand is used when no brand is configured.
const DefaultBrand = "InCrypto"

// Card is the NFT block of a notification.
type Card struct {
	Name        string
	Image       string
	Mint        string
	MintShort   string
	Price       string
	ExplorerURL string
	DetailURL   string
}

// CardFromDetail builds a card for d. siteURL, when set, adds a link to the
// marketplace detail page.
func CardFromDetail(d market.NFTDetail, siteURL string) *Card {
	mint := d.Mint.String()
	c := &Card{
		Name:        d.DisplayName(),
		Image:       d.Image,
		Mint:        mint,
		MintShort:   market.TrimAddress(mint),
		Price:       market.FormatSOL(d.Price),
		ExplorerURL: market.ExplorerURL(mint),
	}
	if siteURL != "" {
		c.DetailURL = strings.TrimRight(siteURL, "/") + "/marketplace/" + mint
	}
	return c
}

// Notice is the variable content of a notification.
type Notice struct {
	Subject  string
	Title    string
	Headline string
	Message  string
	Card     *Card
}

// ComposerConfig configures the notification document.
type ComposerConfig struct {
	Brand         string
	SubjectPrefix string
	// Background is a data:image/... or http(s) URL, see LoadBackground.
	Background string
}

// Composer renders notification documents.
type Composer struct {
	brand         string
	subjectPrefix string
	background    htmlTemplate.URL
	html          *htmlTemplate.Template
	text          *textTemplate.Template
	now           func() time.Time
}

// NewComposer parses the embedded templates.
func NewComposer(cfg ComposerConfig) (*Composer, error) {
	c := &Composer{
		brand:         cfg.Brand,
		subjectPrefix: cfg.SubjectPrefix,
		now:           time.Now,
	}
	if c.brand == "" {
		c.brand = DefaultBrand
	}

	if cfg.Background != "" {
		bg, err := ValidateBackground(cfg.Background)
		if err != nil {
			return nil, err
		}
		c.background = bg
	}

	var err error
	c.html, err = htmlTemplate.ParseFS(templateFS, "templates/notification.html")
	if err != nil {
		return nil, fmt.Errorf("parse html template: %w", err)
	}
	c.text, err = textTemplate.ParseFS(templateFS, "templates/notification.txt")
	if err != nil {
		return nil, fmt.Errorf("parse text template: %w", err)
	}
	return c, nil
}

// Compose renders n and returns a Mailing from -> to.
func (c *Composer) Compose(from, to string, n Notice) (*Mailing, error) {
	data := map[string]interface{}{
		"Title":      n.Title,
		"Headline":   n.Headline,
		"Message":    n.Message,
		"Card":       n.Card,
		"Background": c.background,
		"Brand":      c.brand,
		"Year":       c.now().Year(),
	}

	var html bytes.Buffer
	if err := c.html.Execute(&html, data); err != nil {
		return nil, fmt.Errorf("failed to render html: %w", err)
	}

	var text bytes.Buffer
	if err := c.text.Execute(&text, data); err != nil {
		return nil, fmt.Errorf("failed to render text: %w", err)
	}

	subject := n.Subject
	if subject == "" {
		subject = n.Title
	}
	if c.subjectPrefix != "" {
		subject = strings.TrimSpace(c.subjectPrefix + " " + subject)
	}

	m := &Mailing{
		From:    from,
		To:      to,
		Subject: subject,
		HTML:    html.String(),
		Text:    text.String(),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadBackground reads the background asset as text. The content is only
// ever used as an image source.
func LoadBackground(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read background asset: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if _, err := ValidateBackground(s); err != nil {
		return "", err
	}
	return s, nil
}

// ValidateBackground accepts data:image/... and http(s) URLs.
func ValidateBackground(s string) (htmlTemplate.URL, error) {
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "data:image/"):
	case strings.HasPrefix(lower, "https://"), strings.HasPrefix(lower, "http://"):
	default:
		return "", fmt.Errorf("%w: must be a data:image URL or an http(s) URL", ErrInvalidBackground)
	}
	if strings.ContainsAny(s, "\"'<> \t\r\n") {
		return "", fmt.Errorf("%w: contains characters not allowed in a URL", ErrInvalidBackground)
	}
	return htmlTemplate.URL(s), nil
}
