/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package minimap

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
)

const (
	MaxSize = 512

	skipRunFlag   = 128
	longSkipFlag  = 255
	longSkipUnit  = 126
	cellsPerMask  = 7
	dataURLPrefix = "data:image/png;base64,"
)

var ErrEmptyMinimap = errors.New("minimap has no size")

var bitMasks = [cellsPerMask]byte{64, 32, 16, 8, 4, 2, 1}

// Image is a rendered minimap.
type Image struct {
	Size       int
	PNG        []byte
	Foreground int
}

func (img *Image) DataURL() string {
	if img == nil {
		return ""
	}
	return dataURLPrefix + base64.StdEncoding.EncodeToString(img.PNG)
}

// MarshalJSON encodes the image the way dashboards consume it, as a data URL.
func (img *Image) MarshalJSON() ([]byte, error) {
	return json.Marshal(img.DataURL())
}

type cursor struct {
	size int
	x, y int
}

// advance moves one cell back and reports whether the cursor is still on the
// map.
func (c *cursor) advance() bool {
	c.x--
	if c.x < 0 {
		c.x = c.size - 1
		c.y--
	}
	return c.y >= 0
}

// Render builds the minimap raster from the bit packed occupancy stream.  The
// stream is walked from the bottom-right cell backwards.
func Render(size int, data []byte) (*Image, error) {
	if size > MaxSize {
		size = MaxSize
	}
	if size <= 0 {
		return nil, ErrEmptyMinimap
	}

	canvas := image.NewRGBA(image.Rect(0, 0, size, size))
	drawBackground(canvas, size)

	foreground := decodeInto(canvas, size, data)

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("failed to encode minimap: %w", err)
	}

	return &Image{
		Size:       size,
		PNG:        buf.Bytes(),
		Foreground: foreground,
	}, nil
}

func decodeInto(canvas *image.RGBA, size int, data []byte) int {
	cur := &cursor{size: size, x: size - 1, y: size - 1}
	foreground := 0

	for m := 0; m < len(data) && cur.y >= 0; {
		k := int(data[m])
		m++

		if k >= skipRunFlag {
			if k == longSkipFlag {
				if m >= len(data) {
					break
				}
				k = longSkipUnit * int(data[m])
				m++
			} else {
				k -= skipRunFlag
			}

			for i := 0; i < k; i++ {
				if !cur.advance() {
					break
				}
			}
			continue
		}

		for i := 0; i < cellsPerMask; i++ {
			if byte(k)&bitMasks[i] != 0 {
				canvas.SetRGBA(cur.x, cur.y, ForegroundColor)
				foreground++
			}
			if !cur.advance() {
				break
			}
		}
	}

	return foreground
}
