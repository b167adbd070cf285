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
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/vector"
)

var (
	BaseColor       = color.RGBA{R: 0x20, G: 0x26, B: 0x30, A: 0xff}
	WedgeColor      = color.RGBA{R: 0x40, G: 0x46, B: 0x50, A: 0xff}
	ForegroundColor = color.RGBA{R: 0x69, G: 0x6f, B: 0x74, A: 0xff}
)

const (
	arcSegments   = 96
	shadowBlur    = 12
	shadowOffsetY = 3
	shadowSteps   = 6
)

type painter struct {
	dst  *image.RGBA
	rast *vector.Rasterizer
}

func newPainter(dst *image.RGBA) *painter {
	size := dst.Bounds().Size()
	rast := vector.NewRasterizer(size.X, size.Y)
	rast.DrawOp = draw.Over

	return &painter{
		dst:  dst,
		rast: rast,
	}
}

func (p *painter) fill(c color.Color) {
	b := p.dst.Bounds()
	p.rast.Draw(p.dst, b, image.NewUniform(c), image.Point{})
	p.rast.Reset(b.Dx(), b.Dy())
}

// arc appends the circle arc from start to end (radians, y axis pointing
// down) to the current path.
func (p *painter) arc(cx, cy, r, start, end float64, moveFirst bool) {
	steps := int(math.Ceil(arcSegments * (end - start) / (2 * math.Pi)))
	if steps < 1 {
		steps = 1
	}

	for i := 0; i <= steps; i++ {
		a := start + (end-start)*float64(i)/float64(steps)
		x := float32(cx + r*math.Cos(a))
		y := float32(cy + r*math.Sin(a))
		if i == 0 && moveFirst {
			p.rast.MoveTo(x, y)
		} else {
			p.rast.LineTo(x, y)
		}
	}
}

func (p *painter) circle(cx, cy, r float64, c color.Color) {
	p.arc(cx, cy, r, 0, 2*math.Pi, true)
	p.rast.ClosePath()
	p.fill(c)
}

func (p *painter) wedge(cx, cy, r, start, end float64, c color.Color) {
	p.rast.MoveTo(float32(cx), float32(cy))
	p.arc(cx, cy, r, start, end, false)
	p.rast.ClosePath()
	p.fill(c)
}

func (p *painter) rect(x0, y0, x1, y1 float64, c color.Color) {
	p.rast.MoveTo(float32(x0), float32(y0))
	p.rast.LineTo(float32(x1), float32(y0))
	p.rast.LineTo(float32(x1), float32(y1))
	p.rast.LineTo(float32(x0), float32(y1))
	p.rast.ClosePath()
	p.fill(c)
}

// drawBackground paints the static part of the minimap: the shadowed arena
// disc, the two lighter quarter wedges and the crosshair.
func drawBackground(dst *image.RGBA, size int) {
	p := newPainter(dst)

	rad := float64(size) / 2
	cx, cy := rad, rad

	// The shadow is a stack of translucent discs shrinking towards the arena
	// edge, which approximates a gaussian falloff closely enough at this scale.
	for i := 0; i < shadowSteps; i++ {
		spread := shadowBlur * float64(shadowSteps-i) / float64(shadowSteps) / 2
		p.circle(cx, cy+shadowOffsetY, rad+spread, color.NRGBA{A: 0x18})
	}

	p.circle(cx, cy, rad, BaseColor)

	// top-right then bottom-left
	p.wedge(cx, cy, rad, 1.5*math.Pi, 2*math.Pi, WedgeColor)
	p.wedge(cx, cy, rad, 0.5*math.Pi, math.Pi, WedgeColor)

	p.rect(cx-0.5, cy-rad, cx+0.5, cy+rad, BaseColor)
	p.rect(cx-rad, cy-0.5, cx+rad, cy+0.5, BaseColor)
}
