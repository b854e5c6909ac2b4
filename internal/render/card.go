// Package render draws leaderboard cards as PNG images for the bot to post.
package render

import (
	"bytes"
	"fmt"
	"image/color"

	"github.com/fogleman/gg"

	"github.com/pipehop/backend/internal/domain"
)

const (
	cardWidth  = 640
	headerH    = 96
	rowH       = 56
	marginX    = 32
	maxEntries = 10
)

var (
	colorBackground = color.RGBA{R: 0x12, G: 0x16, B: 0x22, A: 0xff}
	colorHeader     = color.RGBA{R: 0x1c, G: 0x23, B: 0x36, A: 0xff}
	colorRowEven    = color.RGBA{R: 0x18, G: 0x1e, B: 0x2e, A: 0xff}
	colorText       = color.RGBA{R: 0xe8, G: 0xec, B: 0xf4, A: 0xff}
	colorMuted      = color.RGBA{R: 0x8a, G: 0x93, B: 0xa6, A: 0xff}

	medalColors = []color.RGBA{
		{R: 0xff, G: 0xd7, B: 0x00, A: 0xff}, // gold
		{R: 0xc0, G: 0xc0, B: 0xc0, A: 0xff}, // silver
		{R: 0xcd, G: 0x7f, B: 0x32, A: 0xff}, // bronze
	}
)

// Card renders a leaderboard as a PNG. At most ten entries are drawn.
func Card(title string, entries []domain.LeaderboardEntry) ([]byte, error) {
	if len(entries) > maxEntries {
		entries = entries[:maxEntries]
	}

	height := headerH + rowH*len(entries) + marginX
	dc := gg.NewContext(cardWidth, height)

	dc.SetColor(colorBackground)
	dc.Clear()

	dc.SetColor(colorHeader)
	dc.DrawRectangle(0, 0, cardWidth, headerH)
	dc.Fill()

	dc.SetColor(colorText)
	dc.DrawStringAnchored(title, cardWidth/2, headerH/2, 0.5, 0.5)

	for i, e := range entries {
		top := float64(headerH + i*rowH)

		if i%2 == 0 {
			dc.SetColor(colorRowEven)
			dc.DrawRectangle(0, top, cardWidth, rowH)
			dc.Fill()
		}

		midY := top + rowH/2

		// medal dot for the podium, plain rank number below it
		if i < len(medalColors) {
			dc.SetColor(medalColors[i])
			dc.DrawCircle(marginX+10, midY, 10)
			dc.Fill()
			dc.SetColor(colorBackground)
		} else {
			dc.SetColor(colorMuted)
		}
		dc.DrawStringAnchored(fmt.Sprintf("%d", e.Rank), marginX+10, midY, 0.5, 0.5)

		name := e.Username
		if name == "" {
			name = e.PlayerID
		}
		dc.SetColor(colorText)
		dc.DrawStringAnchored(name, marginX+48, midY, 0, 0.5)

		dc.DrawStringAnchored(fmt.Sprintf("%d", e.Score), cardWidth-marginX, midY, 1, 0.5)
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode card: %w", err)
	}

	return buf.Bytes(), nil
}
