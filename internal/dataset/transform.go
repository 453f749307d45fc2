// Package dataset turns raw co-purchase uploads into supervised training
// pairs for adapter retraining.
package dataset

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Separator joins companion items in an expected completion.
const Separator = "，"

// ErrInvalidUpload reports an upload that is not a co-purchase document.
var ErrInvalidUpload = errors.New("invalid upload")

// Upload is the raw retraining document: groups of item names bought together.
type Upload struct {
	Product [][]string `json:"Product"`
}

// UnmarshalJSON accepts scalar items of any JSON type and renders them as
// text. Nested arrays and objects are rejected.
func (u *Upload) UnmarshalJSON(b []byte) error {
	var raw struct {
		Product [][]json.RawMessage `json:"Product"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.Product == nil {
		u.Product = nil
		return nil
	}
	groups := make([][]string, len(raw.Product))
	for i, g := range raw.Product {
		group := make([]string, 0, len(g))
		for _, v := range g {
			item, err := itemText(v)
			if err != nil {
				return fmt.Errorf("Product[%d]: %w", i, err)
			}
			group = append(group, item)
		}
		groups[i] = group
	}
	u.Product = groups
	return nil
}

func itemText(v json.RawMessage) (string, error) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return "", errors.New("empty item")
	}
	switch v[0] {
	case '"':
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", err
		}
		return s, nil
	case 't':
		return "True", nil
	case 'f':
		return "False", nil
	case 'n':
		return "None", nil
	case '[', '{':
		return "", fmt.Errorf("item %s is not a scalar", v)
	default:
		return string(v), nil
	}
}

// Pair is one supervised example.
type Pair struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// Instruction renders the prompt asking for companions of anchor.
func Instruction(anchor string) string {
	return "顾客已购买「" + anchor + "」，请推测该顾客还可能一起购买的其他商品名称。"
}

// ParseUpload decodes an upload document. A document without a Product key
// yields zero groups; anything but whitespace after the document is an error.
func ParseUpload(r io.Reader) (Upload, error) {
	var u Upload
	dec := json.NewDecoder(r)
	if err := dec.Decode(&u); err != nil {
		return Upload{}, fmt.Errorf("%w: %v", ErrInvalidUpload, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Upload{}, fmt.Errorf("%w: unexpected data after JSON document", ErrInvalidUpload)
	}
	return u, nil
}

// Transform emits one pair per anchor of every group with at least two items,
// then removes duplicates.
func Transform(u Upload) []Pair {
	var pairs []Pair
	for _, group := range u.Product {
		if len(group) < 2 {
			continue
		}
		for i, anchor := range group {
			companions := make([]string, 0, len(group)-1)
			for j, item := range group {
				if i != j {
					companions = append(companions, item)
				}
			}
			pairs = append(pairs, Pair{
				Input:  Instruction(anchor),
				Output: strings.Join(companions, Separator),
			})
		}
	}
	return Dedup(pairs)
}

// Dedup drops repeated pairs, keeping first-seen order.
func Dedup(pairs []Pair) []Pair {
	if len(pairs) == 0 {
		return []Pair{}
	}
	seen := make(map[Pair]struct{}, len(pairs))
	out := make([]Pair, 0, len(pairs))
	for _, p := range pairs {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// ArtifactPath is where TransformFile writes the pairs for src.
func ArtifactPath(src string) string {
	return filepath.Join(filepath.Dir(src), "transformed_"+filepath.Base(src))
}

// TransformFile reads the upload at src and writes its training pairs to
// ArtifactPath(src). The caller owns the artifact and must remove it.
func TransformFile(src string) (string, int, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", 0, fmt.Errorf("open upload: %w", err)
	}
	u, err := ParseUpload(f)
	_ = f.Close()
	if err != nil {
		return "", 0, err
	}
	pairs := Transform(u)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(pairs); err != nil {
		return "", 0, fmt.Errorf("encode pairs: %w", err)
	}
	dst := ArtifactPath(src)
	if err := os.WriteFile(dst, buf.Bytes(), 0o644); err != nil {
		return "", 0, fmt.Errorf("write pairs: %w", err)
	}
	return dst, len(pairs), nil
}
