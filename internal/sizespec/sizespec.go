// Package sizespec parses derivative size tokens such as "640w", "480h" and
// "640x480" into width/height constraints.
package sizespec

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrInvalidSizeToken  = errors.New("invalid size token")
	ErrInvalidSizeFormat = errors.New("invalid size format")
)

var tokenPattern = regexp.MustCompile(`^(\d+)(?:(w|h)|x(\d+))$`)

// Spec is a parsed size token. At least one of width and height is set.
type Spec struct {
	token  string
	width  int
	height int
}

// New builds a Spec from explicit bounds; zero means unconstrained.
func New(width, height int) (Spec, error) {
	if width < 0 || height < 0 {
		return Spec{}, fmt.Errorf("%w: negative dimension", ErrInvalidSizeFormat)
	}
	if width == 0 && height == 0 {
		return Spec{}, fmt.Errorf("%w: width or height is required", ErrInvalidSizeFormat)
	}

	var token string
	switch {
	case width > 0 && height > 0:
		token = fmt.Sprintf("%dx%d", width, height)
	case width > 0:
		token = fmt.Sprintf("%dw", width)
	default:
		token = fmt.Sprintf("%dh", height)
	}
	return Spec{token: token, width: width, height: height}, nil
}

func (s Spec) Token() string { return s.token }

// Width returns the width bound, or 0 when the token constrains height only.
func (s Spec) Width() int { return s.width }

// Height returns the height bound, or 0 when the token constrains width only.
func (s Spec) Height() int { return s.height }

func (s Spec) IsZero() bool { return s.width == 0 && s.height == 0 }

// Fit returns the output dimensions for a source of srcW x srcH. The aspect
// ratio is preserved and the result never exceeds the source.
func (s Spec) Fit(srcW, srcH int) (int, int) {
	if srcW <= 0 || srcH <= 0 {
		return 0, 0
	}

	scale := 1.0
	if s.width > 0 {
		scale = math.Min(scale, float64(s.width)/float64(srcW))
	}
	if s.height > 0 {
		scale = math.Min(scale, float64(s.height)/float64(srcH))
	}
	if scale >= 1 {
		return srcW, srcH
	}

	w := int(math.Round(float64(srcW) * scale))
	h := int(math.Round(float64(srcH) * scale))
	// the constrained side lands exactly on the requested bound
	if s.width > 0 && float64(s.width)/float64(srcW) == scale {
		w = s.width
	}
	if s.height > 0 && float64(s.height)/float64(srcH) == scale {
		h = s.height
	}
	return max(1, w), max(1, h)
}

// Parser validates tokens against a fixed allow-list.
type Parser struct {
	allowed map[string]Spec
	order   []string
}

func NewParser(tokens []string) (*Parser, error) {
	p := &Parser{allowed: make(map[string]Spec, len(tokens))}
	for _, raw := range tokens {
		token := strings.ToLower(strings.TrimSpace(raw))
		if token == "" {
			continue
		}
		spec, err := parse(token)
		if err != nil {
			return nil, fmt.Errorf("allow-list entry %q: %w", raw, err)
		}
		if _, dup := p.allowed[token]; dup {
			continue
		}
		p.allowed[token] = spec
		p.order = append(p.order, token)
	}
	if len(p.allowed) == 0 {
		return nil, errors.New("size allow-list is empty")
	}
	return p, nil
}

// Parse checks the token shape first, then its membership in the allow-list.
func (p *Parser) Parse(token string) (Spec, error) {
	token = strings.ToLower(strings.TrimSpace(token))
	if _, err := parse(token); err != nil {
		return Spec{}, err
	}
	spec, ok := p.allowed[token]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", ErrInvalidSizeToken, token)
	}
	return spec, nil
}

// Tokens lists the allow-list in configuration order.
func (p *Parser) Tokens() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

func parse(token string) (Spec, error) {
	m := tokenPattern.FindStringSubmatch(token)
	if m == nil {
		return Spec{}, fmt.Errorf("%w: %q", ErrInvalidSizeFormat, token)
	}

	first, err := positive(m[1])
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %q", ErrInvalidSizeFormat, token)
	}

	var spec Spec
	switch {
	case m[2] == "w":
		spec = Spec{width: first}
	case m[2] == "h":
		spec = Spec{height: first}
	default:
		second, err := positive(m[3])
		if err != nil {
			return Spec{}, fmt.Errorf("%w: %q", ErrInvalidSizeFormat, token)
		}
		spec = Spec{width: first, height: second}
	}
	spec.token = token
	return spec, nil
}

func positive(digits string) (int, error) {
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("not positive")
	}
	return n, nil
}
