package meta

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"strings"

	"golang.org/x/image/draw"

	_ "image/gif"
	_ "image/jpeg"
)

// Image roles and their target boxes.
const (
	RoleLogo  = "logo"
	RoleImage = "image"
)

const maxImageBytes = 10 << 20

// UnknownImageFormatError means an image reference was neither an
// http(s) URL nor a base64 data URL.
type UnknownImageFormatError struct {
	Ref string
}

func (e *UnknownImageFormatError) Error() string {
	return fmt.Sprintf("unknown image reference format: %.64s", e.Ref)
}

// InvalidImageTypeError means a transcode was requested for a role
// other than logo or image.
type InvalidImageTypeError struct {
	Role string
}

func (e *InvalidImageTypeError) Error() string {
	return fmt.Sprintf("invalid image role %q", e.Role)
}

// downloadImage resolves an image reference to raw bytes. The
// reference is either an absolute http(s) URL or an inline base64
// data URL.
func downloadImage(ctx context.Context, client *http.Client, ref string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ref, "data:"):
		return decodeDataURL(ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return fetchImage(ctx, client, ref)
	default:
		return nil, &UnknownImageFormatError{Ref: ref}
	}
}

func decodeDataURL(ref string) ([]byte, error) {
	header, payload, found := strings.Cut(ref, ",")
	if !found || !strings.HasSuffix(header, ";base64") {
		return nil, &UnknownImageFormatError{Ref: ref}
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode data URL: %w", err)
	}
	return data, nil
}

func fetchImage(ctx context.Context, client *http.Client, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build image request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch image: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("read image body: %w", err)
	}
	return data, nil
}

// transcode scales an image to fit its role's target box (logo
// 128x128, content image 512x256), preserving aspect ratio, and
// re-encodes it as PNG.
func transcode(role string, data []byte) ([]byte, error) {
	var boxW, boxH int
	switch role {
	case RoleLogo:
		boxW, boxH = 128, 128
	case RoleImage:
		boxW, boxH = 512, 256
	default:
		return nil, &InvalidImageTypeError{Role: role}
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := src.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW == 0 || srcH == 0 {
		return nil, fmt.Errorf("decode image: empty dimensions")
	}

	dstW, dstH := fitBox(srcW, srcH, boxW, boxH)
	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func fitBox(srcW, srcH, boxW, boxH int) (int, int) {
	if srcW <= boxW && srcH <= boxH {
		return srcW, srcH
	}
	w := boxW
	h := srcH * boxW / srcW
	if h > boxH {
		h = boxH
		w = srcW * boxH / srcH
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}
