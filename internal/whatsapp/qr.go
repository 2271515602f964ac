package whatsapp

import (
	"encoding/base64"

	"github.com/skip2/go-qrcode"
)

const qrSize = 256

// RenderPairingCode turns a raw pairing string into a PNG data URL. If encoding
// fails the raw string is returned so the owner can still pair manually.
func RenderPairingCode(code string) string {
	png, err := qrcode.Encode(code, qrcode.Medium, qrSize)
	if err != nil {
		return code
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
