package media

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func TestDecodeRoundTripPreservesSize(t *testing.T) {
	t.Parallel()

	for _, mimeType := range Supported {
		raw := bytes.Repeat([]byte{0x01, 0x02, 0x03}, 1000+len(mimeType))
		asset, err := Decode(Encoded{Name: "clip", Type: mimeType, Data: EncodeDataURL(mimeType, raw)}, DefaultLimits())
		if err != nil {
			t.Fatalf("Decode(%s) error: %v", mimeType, err)
		}
		if asset.Size != int64(len(raw)) {
			t.Fatalf("Decode(%s) size = %d, want %d", mimeType, asset.Size, len(raw))
		}
		if !bytes.Equal(asset.Bytes(), raw) {
			t.Fatalf("Decode(%s) bytes differ from input", mimeType)
		}
		if asset.MIMEType != mimeType {
			t.Fatalf("Decode(%s) mime = %q", mimeType, asset.MIMEType)
		}
	}
}

func TestDecodeBareBase64UsesDeclaredType(t *testing.T) {
	t.Parallel()

	raw := []byte("not really a video but declared as one")
	asset, err := Decode(Encoded{Name: "a.mp4", Type: "video/mp4", Data: base64.StdEncoding.EncodeToString(raw)}, DefaultLimits())
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if asset.MIMEType != "video/mp4" {
		t.Fatalf("mime = %q, want video/mp4", asset.MIMEType)
	}
}

func TestDecodeSniffedTypeWins(t *testing.T) {
	t.Parallel()

	png := append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), bytes.Repeat([]byte{0}, 32)...)
	asset, err := Decode(Encoded{Name: "photo.jpg", Data: EncodeDataURL("image/jpeg", png)}, DefaultLimits())
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if asset.MIMEType != "image/png" {
		t.Fatalf("mime = %q, want image/png", asset.MIMEType)
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	t.Parallel()

	cases := map[string]Encoded{
		"empty":       {Name: "e", Type: "image/png", Data: ""},
		"not base64":  {Name: "b", Type: "image/png", Data: "data:image/png;base64,@@@@"},
		"not encoded": {Name: "u", Data: "data:image/png,rawbytes"},
		"unsupported": {Name: "d", Data: EncodeDataURL("application/pdf", []byte("%PDF-1.4 body"))},
		"oversize":    {Name: "o", Type: "image/png", Data: EncodeDataURL("image/png", bytes.Repeat([]byte{1}, 64))},
	}
	limits := Limits{MaxBytes: 32, Allowed: Supported}

	for name, in := range cases {
		_, err := Decode(in, limits)
		var decodeErr *DecodeError
		if !errors.As(err, &decodeErr) {
			t.Fatalf("%s: error = %v, want *DecodeError", name, err)
		}
	}
}

func TestDecodeAllEnforcesAssetLimit(t *testing.T) {
	t.Parallel()

	item := Encoded{Name: "x", Type: "image/gif", Data: EncodeDataURL("image/gif", []byte("GIF89a...."))}
	items := []Encoded{item, item, item, item, item}

	if _, err := DecodeAll(items, DefaultLimits()); err == nil {
		t.Fatal("expected error for more than four assets")
	}

	assets, err := DecodeAll(items[:4], DefaultLimits())
	if err != nil {
		t.Fatalf("DecodeAll error: %v", err)
	}
	if len(assets) != 4 {
		t.Fatalf("len(assets) = %d, want 4", len(assets))
	}
}

func TestReleaseDropsBytes(t *testing.T) {
	t.Parallel()

	asset := NewAsset("a.png", "image/png", []byte{1, 2, 3})
	ReleaseAll([]*Asset{asset, nil})

	if asset.Bytes() != nil {
		t.Fatal("expected bytes to be released")
	}
	if asset.Size != 3 {
		t.Fatalf("size = %d, want 3", asset.Size)
	}
}
