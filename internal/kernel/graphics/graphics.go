// Package graphics writes pixels into the frame buffer left by the firmware.
package graphics

import (
	"fmt"
	"image"

	"github.com/fogleman/gg"

	"github.com/tinyrange/bringup/internal/handoff"
)

type PixelColor struct {
	R, G, B uint8
}

type PixelWriter interface {
	Write(x, y int, c PixelColor)
	Width() int
	Height() int
}

// FrameBuffer is a PixelWriter for 32-bit RGB or BGR frame buffers.
type FrameBuffer struct {
	buf    []byte
	stride int
	width  int
	height int
	// Byte offsets of the red, green and blue channels within a pixel.
	r, g, b int
}

var _ PixelWriter = (*FrameBuffer)(nil)

// NewFrameBuffer wraps buf, which must cover the descriptor's frame buffer.
func NewFrameBuffer(buf []byte, desc handoff.DisplayDescriptor) (FrameBuffer, error) {
	fb := FrameBuffer{
		buf:    buf,
		stride: int(desc.PixelsPerScanLine),
		width:  int(desc.HorizontalResolution),
		height: int(desc.VerticalResolution),
	}
	switch desc.PixelFormat {
	case handoff.PixelRGBResv8BitPerColor:
		fb.r, fb.g, fb.b = 0, 1, 2
	case handoff.PixelBGRResv8BitPerColor:
		fb.r, fb.g, fb.b = 2, 1, 0
	default:
		return FrameBuffer{}, fmt.Errorf("%w: %s", handoff.ErrUnsupportedPixelFormat, desc.PixelFormat)
	}
	if fb.stride < fb.width {
		return FrameBuffer{}, fmt.Errorf("scan line of %d pixels shorter than width %d", fb.stride, fb.width)
	}
	if need := uint64(desc.FrameBufferSize()); uint64(len(buf)) < need {
		return FrameBuffer{}, fmt.Errorf("frame buffer is %d bytes, mode needs %d", len(buf), need)
	}
	return fb, nil
}

func (f *FrameBuffer) Width() int  { return f.width }
func (f *FrameBuffer) Height() int { return f.height }

func (f *FrameBuffer) offset(x, y int) (int, bool) {
	if x < 0 || y < 0 || x >= f.width || y >= f.height {
		return 0, false
	}
	return 4 * (f.stride*y + x), true
}

// Write sets one pixel. Coordinates outside the visible area are ignored.
func (f *FrameBuffer) Write(x, y int, c PixelColor) {
	off, ok := f.offset(x, y)
	if !ok {
		return
	}
	p := f.buf[off : off+4]
	p[f.r], p[f.g], p[f.b] = c.R, c.G, c.B
}

// At reads one pixel back.
func (f *FrameBuffer) At(x, y int) PixelColor {
	off, ok := f.offset(x, y)
	if !ok {
		return PixelColor{}
	}
	p := f.buf[off : off+4]
	return PixelColor{R: p[f.r], G: p[f.g], B: p[f.b]}
}

// Canvas is an RGBA back buffer for shapes. Flush copies it into a
// PixelWriter, which places the channels for the display's pixel format.
type Canvas struct {
	dc *gg.Context
}

func NewCanvas(width, height int) *Canvas {
	return &Canvas{dc: gg.NewContext(width, height)}
}

func (c *Canvas) setColor(col PixelColor) {
	c.dc.SetRGB255(int(col.R), int(col.G), int(col.B))
}

func (c *Canvas) FillRectangle(x, y, width, height int, col PixelColor) {
	c.setColor(col)
	c.dc.DrawRectangle(float64(x), float64(y), float64(width), float64(height))
	c.dc.Fill()
}

// DrawRectangle draws a one pixel outline. It is filled as the difference
// of two rectangles so the edges stay on whole pixels.
func (c *Canvas) DrawRectangle(x, y, width, height int, col PixelColor) {
	c.setColor(col)
	c.dc.SetFillRuleEvenOdd()
	c.dc.DrawRectangle(float64(x), float64(y), float64(width), float64(height))
	if width > 2 && height > 2 {
		c.dc.DrawRectangle(float64(x+1), float64(y+1), float64(width-2), float64(height-2))
	}
	c.dc.Fill()
	c.dc.SetFillRuleWinding()
}

// Flush writes every pixel of the canvas to w.
func (c *Canvas) Flush(w PixelWriter) {
	im, ok := c.dc.Image().(*image.RGBA)
	if !ok {
		return
	}
	width := min(w.Width(), im.Bounds().Dx())
	height := min(w.Height(), im.Bounds().Dy())
	for y := 0; y < height; y++ {
		row := im.Pix[y*im.Stride:]
		for x := 0; x < width; x++ {
			p := row[4*x : 4*x+3]
			w.Write(x, y, PixelColor{R: p[0], G: p[1], B: p[2]})
		}
	}
}

var (
	DesktopBGColor   = PixelColor{45, 118, 237}
	DesktopFGColor   = PixelColor{255, 255, 255}
	TaskBarColor     = PixelColor{1, 8, 17}
	StartMenuColor   = PixelColor{80, 80, 80}
	StartButtonColor = PixelColor{160, 160, 160}
)

// DrawDesktop paints the background, the task bar and the start button.
func DrawDesktop(w PixelWriter) {
	width, height := w.Width(), w.Height()
	c := NewCanvas(width, height)
	c.FillRectangle(0, 0, width, height-50, DesktopBGColor)
	c.FillRectangle(0, height-50, width, 50, TaskBarColor)
	c.FillRectangle(0, height-50, width/5, 50, StartMenuColor)
	c.DrawRectangle(10, height-40, 30, 30, StartButtonColor)
	c.Flush(w)
}
