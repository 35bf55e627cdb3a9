// Package caps decodes format description strings into structured
// descriptors and caches them.
package caps

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformed is returned when caps string cannot be parsed.
	ErrMalformed = errors.New("malformed caps")
	// ErrUnsupportedFormat is returned for raw media with unknown sample format.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrNotFixed is returned when caps don't describe a single format.
	ErrNotFixed = errors.New("caps not fixed")
)

// Kind is the media kind described by caps.
type Kind int

// Media kinds.
const (
	Other Kind = iota
	Video
	Audio
)

func (k Kind) String() string {
	switch k {
	case Video:
		return "video"
	case Audio:
		return "audio"
	}
	return "other"
}

// Media types of raw formats.
const (
	VideoRaw = "video/x-raw"
	AudioRaw = "audio/x-raw"
)

// DType is the type of a single array element.
type DType int

// Element types.
const (
	Uint8 DType = iota
	Int8
	Uint16
	Int16
	Int32
	Float32
	Float64
)

// Size returns size of element in bytes.
func (d DType) Size() int {
	switch d {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Int32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 1
}

func (d DType) String() string {
	switch d {
	case Uint8:
		return "uint8"
	case Int8:
		return "int8"
	case Uint16:
		return "uint16"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	}
	return "unknown"
}

// Fraction is a rational number, used for framerates.
type Fraction struct {
	Num, Den int
}

// ParseFraction parses "30/1", "30" or "29.97" into fraction.
func ParseFraction(s string) (Fraction, error) {
	s = strings.TrimSpace(s)
	if n, d, ok := strings.Cut(s, "/"); ok {
		num, err := strconv.Atoi(n)
		if err != nil {
			return Fraction{}, fmt.Errorf("%w: fraction %q", ErrMalformed, s)
		}
		den, err := strconv.Atoi(d)
		if err != nil || den == 0 {
			return Fraction{}, fmt.Errorf("%w: fraction %q", ErrMalformed, s)
		}
		return Fraction{Num: num, Den: den}, nil
	}
	if i, err := strconv.Atoi(s); err == nil {
		return Fraction{Num: i, Den: 1}, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Fraction{}, fmt.Errorf("%w: fraction %q", ErrMalformed, s)
	}
	return Fraction{Num: int(f*1000 + 0.5), Den: 1000}, nil
}

func (f Fraction) String() string {
	return fmt.Sprintf("%d/%d", f.Num, f.Den)
}

// Zero reports whether fraction is unset or zero.
func (f Fraction) Zero() bool {
	return f.Num == 0 || f.Den == 0
}

// Plane describes one plane of video frame memory.
type Plane struct {
	Offset   int
	Stride   int
	RowBytes int
	Rows     int
}

// Caps is the structured format descriptor. It's immutable and shared
// between cache readers, Fields must not be modified.
type Caps struct {
	Raw    string
	Media  string
	Kind   Kind
	Format string
	Fields map[string]string

	DType     DType
	BigEndian bool

	// Video.
	Width, Height int
	Framerate     Fraction
	// Components is number of components per pixel for packed formats,
	// zero for planar ones.
	Components int
	Planes     []Plane

	// Audio.
	Rate     int
	Channels int
	Layout   string
}

type videoFormat struct {
	components int
	dtype      DType
	bigEndian  bool
	planar     string
}

var videoFormats = map[string]videoFormat{
	"RGB":       {components: 3, dtype: Uint8},
	"BGR":       {components: 3, dtype: Uint8},
	"RGBA":      {components: 4, dtype: Uint8},
	"BGRA":      {components: 4, dtype: Uint8},
	"ARGB":      {components: 4, dtype: Uint8},
	"ABGR":      {components: 4, dtype: Uint8},
	"RGBx":      {components: 4, dtype: Uint8},
	"BGRx":      {components: 4, dtype: Uint8},
	"xRGB":      {components: 4, dtype: Uint8},
	"xBGR":      {components: 4, dtype: Uint8},
	"GRAY8":     {components: 1, dtype: Uint8},
	"GRAY16_LE": {components: 1, dtype: Uint16},
	"GRAY16_BE": {components: 1, dtype: Uint16, bigEndian: true},
	"I420":      {dtype: Uint8, planar: "i420"},
	"YV12":      {dtype: Uint8, planar: "i420"},
	"NV12":      {dtype: Uint8, planar: "nv12"},
	"NV21":      {dtype: Uint8, planar: "nv12"},
}

type audioFormat struct {
	dtype     DType
	bigEndian bool
}

var audioFormats = map[string]audioFormat{
	"S8":    {dtype: Int8},
	"U8":    {dtype: Uint8},
	"S16LE": {dtype: Int16},
	"S16BE": {dtype: Int16, bigEndian: true},
	"U16LE": {dtype: Uint16},
	"S32LE": {dtype: Int32},
	"F32LE": {dtype: Float32},
	"F64LE": {dtype: Float64},
}

// VideoFormats returns names of supported raw video formats.
func VideoFormats() []string {
	names := make([]string, 0, len(videoFormats))
	for name := range videoFormats {
		names = append(names, name)
	}
	return names
}

// Parse decodes caps string. Raw video and audio caps are fully decoded,
// other media types are accepted as opaque byte streams.
func Parse(s string) (Caps, error) {
	s = strings.TrimSpace(s)
	parts, err := SplitFields(s)
	if err != nil {
		return Caps{}, err
	}
	media := strings.TrimSpace(parts[0])
	if media == "" || !strings.Contains(media, "/") || strings.ContainsAny(media, "= ") {
		return Caps{}, fmt.Errorf("%w: media type %q", ErrMalformed, media)
	}
	c := Caps{
		Raw:    s,
		Media:  media,
		Fields: make(map[string]string, len(parts)-1),
	}
	for _, f := range parts[1:] {
		key, value, ok := strings.Cut(f, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return Caps{}, fmt.Errorf("%w: field %q", ErrMalformed, f)
		}
		c.Fields[key] = stripType(strings.TrimSpace(value))
	}

	switch media {
	case VideoRaw:
		err = c.parseVideo()
	case AudioRaw:
		err = c.parseAudio()
	}
	if err != nil {
		return Caps{}, err
	}
	return c, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Caps {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

// SplitFields separates caps string by commas which are not nested in
// lists, ranges or quotes. The first part is the media type.
func SplitFields(s string) ([]string, error) {
	var (
		parts []string
		depth int
		quote bool
		start int
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '"':
			quote = !quote
		case quote:
		case c == '{' || c == '[' || c == '<':
			depth++
		case c == '}' || c == ']' || c == '>':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("%w: unbalanced %q", ErrMalformed, s)
			}
		case c == ',' && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	if quote || depth != 0 {
		return nil, fmt.Errorf("%w: unbalanced %q", ErrMalformed, s)
	}
	return append(parts, s[start:]), nil
}

// stripType removes "(type)" prefix and quotes.
func stripType(v string) string {
	if strings.HasPrefix(v, "(") {
		if i := strings.IndexByte(v, ')'); i > 0 {
			v = strings.TrimSpace(v[i+1:])
		}
	}
	return strings.Trim(v, `"`)
}

func isList(v string) bool {
	return strings.HasPrefix(v, "{") || strings.HasPrefix(v, "[") || strings.HasPrefix(v, "<")
}

func (c *Caps) intField(key string) (int, error) {
	v, ok := c.Fields[key]
	if !ok || isList(v) {
		return 0, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrMalformed, key, v)
	}
	return i, nil
}

func (c *Caps) stringField(key string) string {
	v := c.Fields[key]
	if isList(v) {
		return ""
	}
	return v
}

func (c *Caps) parseVideo() error {
	c.Kind = Video
	var err error
	if c.Width, err = c.intField("width"); err != nil {
		return err
	}
	if c.Height, err = c.intField("height"); err != nil {
		return err
	}
	if fr := c.stringField("framerate"); fr != "" {
		if c.Framerate, err = ParseFraction(fr); err != nil {
			return err
		}
	}
	c.Format = c.stringField("format")
	if c.Format == "" {
		return nil
	}
	vf, ok := videoFormats[c.Format]
	if !ok {
		return fmt.Errorf("%w: video %q", ErrUnsupportedFormat, c.Format)
	}
	c.DType = vf.dtype
	c.BigEndian = vf.bigEndian
	c.Components = vf.components
	c.Planes = planes(vf, c.Width, c.Height)
	return nil
}

func (c *Caps) parseAudio() error {
	c.Kind = Audio
	var err error
	if c.Rate, err = c.intField("rate"); err != nil {
		return err
	}
	if c.Channels, err = c.intField("channels"); err != nil {
		return err
	}
	c.Layout = c.stringField("layout")
	if c.Layout == "" {
		c.Layout = "interleaved"
	}
	c.Format = c.stringField("format")
	if c.Format == "" {
		return nil
	}
	af, ok := audioFormats[c.Format]
	if !ok {
		return fmt.Errorf("%w: audio %q", ErrUnsupportedFormat, c.Format)
	}
	c.DType = af.dtype
	c.BigEndian = af.bigEndian
	return nil
}

func roundUp4(n int) int {
	return (n + 3) &^ 3
}

// planes computes memory layout the way raw video is laid out by the
// engine: every row starts at 4-byte aligned offset.
func planes(vf videoFormat, width, height int) []Plane {
	if width <= 0 || height <= 0 {
		return nil
	}
	cw, ch := (width+1)/2, (height+1)/2
	switch vf.planar {
	case "i420":
		ys := roundUp4(width)
		cs := roundUp4(cw)
		y := Plane{Offset: 0, Stride: ys, RowBytes: width, Rows: height}
		u := Plane{Offset: ys * height, Stride: cs, RowBytes: cw, Rows: ch}
		v := Plane{Offset: u.Offset + cs*ch, Stride: cs, RowBytes: cw, Rows: ch}
		return []Plane{y, u, v}
	case "nv12":
		s := roundUp4(width)
		y := Plane{Offset: 0, Stride: s, RowBytes: width, Rows: height}
		uv := Plane{Offset: s * height, Stride: roundUp4(cw * 2), RowBytes: cw * 2, Rows: ch}
		return []Plane{y, uv}
	}
	row := width * vf.components * vf.dtype.Size()
	return []Plane{{Offset: 0, Stride: roundUp4(row), RowBytes: row, Rows: height}}
}

// Fixed reports whether caps carry everything needed to lay out a buffer.
func (c Caps) Fixed() bool {
	switch c.Kind {
	case Video:
		return c.Format != "" && c.Width > 0 && c.Height > 0
	case Audio:
		return c.Format != "" && c.Rate > 0 && c.Channels > 0
	}
	return c.Media != ""
}

// Planar reports whether video format stores components in separate planes.
func (c Caps) Planar() bool {
	return c.Kind == Video && c.Components == 0 && len(c.Planes) > 0
}

// FrameSize returns size of a single video frame in bytes, including
// row padding. It's zero for other kinds.
func (c Caps) FrameSize() int {
	if c.Kind != Video || len(c.Planes) == 0 {
		return 0
	}
	last := c.Planes[len(c.Planes)-1]
	return last.Offset + last.Stride*last.Rows
}

// PackedSize returns size of a single video frame without padding.
func (c Caps) PackedSize() int {
	size := 0
	for _, p := range c.Planes {
		size += p.RowBytes * p.Rows
	}
	return size
}

// Padded reports whether any plane has row padding.
func (c Caps) Padded() bool {
	for _, p := range c.Planes {
		if p.Stride != p.RowBytes {
			return true
		}
	}
	return false
}

// Shape returns array shape for a buffer of provided size. Dimensions are
// rows, columns and components for video and samples and channels for
// audio. Planar video is flattened into rows of width bytes if dimensions
// allow, otherwise into a single dimension.
func (c Caps) Shape(size int) []int {
	switch c.Kind {
	case Video:
		if c.Planar() {
			packed := c.PackedSize()
			if c.Width%2 == 0 && c.Height%2 == 0 && packed%c.Width == 0 {
				return []int{packed / c.Width, c.Width}
			}
			return []int{packed}
		}
		return []int{c.Height, c.Width, c.Components}
	case Audio:
		if c.Channels == 0 {
			return []int{size / c.DType.Size()}
		}
		return []int{size / c.DType.Size() / c.Channels, c.Channels}
	}
	return []int{size}
}

// Duration returns playback duration of a buffer of provided size.
func (c Caps) Duration(size int) time.Duration {
	switch c.Kind {
	case Video:
		if c.Framerate.Zero() {
			return 0
		}
		return time.Duration(int64(time.Second) * int64(c.Framerate.Den) / int64(c.Framerate.Num))
	case Audio:
		if c.Rate == 0 || c.Channels == 0 {
			return 0
		}
		samples := size / c.DType.Size() / c.Channels
		return time.Duration(int64(samples) * int64(time.Second) / int64(c.Rate))
	}
	return 0
}

func (c Caps) String() string {
	return c.Raw
}

// NewVideo builds fixed raw video caps.
func NewVideo(format string, width, height int, framerate Fraction) (Caps, error) {
	if _, ok := videoFormats[format]; !ok {
		return Caps{}, fmt.Errorf("%w: video %q", ErrUnsupportedFormat, format)
	}
	if width <= 0 || height <= 0 {
		return Caps{}, fmt.Errorf("%w: dimensions %dx%d", ErrMalformed, width, height)
	}
	s := fmt.Sprintf("%s,format=%s,width=%d,height=%d", VideoRaw, format, width, height)
	if !framerate.Zero() {
		s += ",framerate=" + framerate.String()
	}
	return Parse(s)
}

// NewAudio builds fixed raw interleaved audio caps.
func NewAudio(format string, rate, channels int) (Caps, error) {
	if _, ok := audioFormats[format]; !ok {
		return Caps{}, fmt.Errorf("%w: audio %q", ErrUnsupportedFormat, format)
	}
	if rate <= 0 || channels <= 0 {
		return Caps{}, fmt.Errorf("%w: rate %d channels %d", ErrMalformed, rate, channels)
	}
	return Parse(fmt.Sprintf("%s,format=%s,layout=interleaved,rate=%d,channels=%d", AudioRaw, format, rate, channels))
}
