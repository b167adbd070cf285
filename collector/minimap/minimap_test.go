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
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodePNG(t *testing.T, img *Image) image.Image {
	decoded, err := png.Decode(bytes.NewReader(img.PNG))
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, img.Size, img.Size), decoded.Bounds())
	return decoded
}

func rgbaAt(img image.Image, x, y int) color.RGBA {
	return color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
}

func TestRenderSkipOnlyIsBackground(t *testing.T) {
	img, err := Render(10, []byte{128 + 100})
	require.NoError(t, err)
	require.Equal(t, 0, img.Foreground)

	bare, err := Render(10, nil)
	require.NoError(t, err)
	require.Equal(t, bare.PNG, img.PNG)
}

func TestRenderMaskBits(t *testing.T) {
	// 0b1010101: every other cell of the first seven on the bottom row
	img, err := Render(10, []byte{0x55})
	require.NoError(t, err)
	require.Equal(t, 4, img.Foreground)

	decoded := decodePNG(t, img)
	for _, x := range []int{9, 7, 5, 3} {
		assert.Equal(t, ForegroundColor, rgbaAt(decoded, x, 9), "x=%d", x)
	}
	for _, x := range []int{8, 6, 4} {
		assert.NotEqual(t, ForegroundColor, rgbaAt(decoded, x, 9), "x=%d", x)
	}
}

func TestRenderMaskWrapsRows(t *testing.T) {
	// five skipped cells, then seven set cells spanning two rows
	img, err := Render(8, []byte{128 + 5, 0x7f})
	require.NoError(t, err)
	require.Equal(t, 7, img.Foreground)

	decoded := decodePNG(t, img)
	for _, pt := range []image.Point{{2, 7}, {1, 7}, {0, 7}, {7, 6}, {4, 6}} {
		assert.Equal(t, ForegroundColor, rgbaAt(decoded, pt.X, pt.Y), "pt=%v", pt)
	}
}

func TestRenderLongSkip(t *testing.T) {
	// 126*3 = 378 cells skipped on a 20x20 map lands on (1, 1)
	img, err := Render(20, []byte{255, 3, 64})
	require.NoError(t, err)
	require.Equal(t, 1, img.Foreground)

	decoded := decodePNG(t, img)
	assert.Equal(t, ForegroundColor, rgbaAt(decoded, 1, 1))
}

func TestRenderLongSkipMissingCount(t *testing.T) {
	img, err := Render(20, []byte{255})
	require.NoError(t, err)
	require.Equal(t, 0, img.Foreground)
}

func TestRenderStopsAtTop(t *testing.T) {
	data := bytes.Repeat([]byte{0x7f}, 10)

	img, err := Render(4, data)
	require.NoError(t, err)
	require.Equal(t, 16, img.Foreground)
	require.LessOrEqual(t, img.Foreground, img.Size*img.Size)
}

func TestRenderClampsSize(t *testing.T) {
	img, err := Render(2000, nil)
	require.NoError(t, err)
	require.Equal(t, MaxSize, img.Size)
	decodePNG(t, img)
}

func TestRenderEmpty(t *testing.T) {
	_, err := Render(0, []byte{1, 2, 3})
	require.ErrorIs(t, err, ErrEmptyMinimap)
}

func TestRenderBackground(t *testing.T) {
	img, err := Render(64, nil)
	require.NoError(t, err)

	decoded := decodePNG(t, img)
	assert.Equal(t, WedgeColor, rgbaAt(decoded, 48, 16))
	assert.Equal(t, WedgeColor, rgbaAt(decoded, 16, 48))
	assert.Equal(t, BaseColor, rgbaAt(decoded, 16, 16))
	assert.Equal(t, BaseColor, rgbaAt(decoded, 48, 48))
}

func TestDataURL(t *testing.T) {
	img, err := Render(16, []byte{0x7f})
	require.NoError(t, err)

	url := img.DataURL()
	require.True(t, strings.HasPrefix(url, "data:image/png;base64,"))

	encoded, err := json.Marshal(img)
	require.NoError(t, err)
	require.Equal(t, `"`+url+`"`, string(encoded))

	var nilImage *Image
	require.Equal(t, "", nilImage.DataURL())
}
