package meta

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
)

// pngBytes renders a solid-color PNG of the given size.
func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestDownloadImageFromDataURL(t *testing.T) {
	raw := pngBytes(t, 4, 4)
	ref := "data:image/png;base64," + base64.StdEncoding.EncodeToString(raw)

	data, err := downloadImage(context.Background(), http.DefaultClient, ref)
	if err != nil {
		t.Fatalf("downloadImage: %v", err)
	}
	if !bytes.Equal(data, raw) {
		t.Error("data URL payload did not round-trip")
	}
}

func TestDownloadImageFromHTTP(t *testing.T) {
	raw := pngBytes(t, 4, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(raw)
	}))
	defer srv.Close()

	data, err := downloadImage(context.Background(), srv.Client(), srv.URL+"/logo.png")
	if err != nil {
		t.Fatalf("downloadImage: %v", err)
	}
	if !bytes.Equal(data, raw) {
		t.Error("downloaded bytes differ from served bytes")
	}
}

func TestDownloadImageRejectsUnknownReference(t *testing.T) {
	cases := []string{
		"ftp://example.com/logo.png",
		"//example.com/protocol-relative.png",
		"data:image/png,not-base64",
	}
	for _, ref := range cases {
		_, err := downloadImage(context.Background(), http.DefaultClient, ref)
		var unknownErr *UnknownImageFormatError
		if !errors.As(err, &unknownErr) {
			t.Errorf("ref %q: expected UnknownImageFormatError, got %v", ref, err)
		}
	}
}

func TestTranscodeScalesIntoRoleBox(t *testing.T) {
	cases := []struct {
		role           string
		srcW, srcH     int
		maxW, maxH     int
	}{
		{RoleLogo, 512, 512, 128, 128},
		{RoleImage, 1024, 768, 512, 256},
		{RoleLogo, 32, 32, 128, 128}, // already small, no upscale
	}
	for _, tc := range cases {
		out, err := transcode(tc.role, pngBytes(t, tc.srcW, tc.srcH))
		if err != nil {
			t.Fatalf("transcode %s: %v", tc.role, err)
		}
		decoded, err := png.Decode(bytes.NewReader(out))
		if err != nil {
			t.Fatalf("output is not PNG: %v", err)
		}
		b := decoded.Bounds()
		if b.Dx() > tc.maxW || b.Dy() > tc.maxH {
			t.Errorf("role %s: got %dx%d, exceeds %dx%d box",
				tc.role, b.Dx(), b.Dy(), tc.maxW, tc.maxH)
		}
		if tc.srcW <= tc.maxW && b.Dx() != tc.srcW {
			t.Errorf("role %s: small image was upscaled to %d", tc.role, b.Dx())
		}
	}
}

func TestTranscodeRejectsUnknownRole(t *testing.T) {
	_, err := transcode("banner", pngBytes(t, 8, 8))
	var roleErr *InvalidImageTypeError
	if !errors.As(err, &roleErr) {
		t.Fatalf("expected InvalidImageTypeError, got %v", err)
	}
	if roleErr.Role != "banner" {
		t.Errorf("error carries role %q", roleErr.Role)
	}
}

func TestTranscodeRejectsGarbageBytes(t *testing.T) {
	if _, err := transcode(RoleLogo, []byte("definitely not an image")); err == nil {
		t.Fatal("expected decode error")
	}
}
