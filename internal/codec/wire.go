// Package codec defines the Codec I/O boundary: the framed message format
// used on ingest and egress transports, and the encoders that turn composited
// frames into packets.
//
// Wire format: [body_length (QUIC varint)] [msgpack body]. The body is a map
// with short keys (t, pts_ns, w, h, pix, rate, ch, pcm, sei, key, codec).
package codec

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/quic-go/quic-go/quicvarint"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/zsiec/mosaic/internal/media"
)

// Message types.
const (
	TypeVideo  = "video"
	TypeAudio  = "audio"
	TypePacket = "packet"
)

// MaxMessageSize bounds a single message body.
const MaxMessageSize = 64 << 20

// ErrMessageTooLarge is returned for bodies larger than MaxMessageSize.
var ErrMessageTooLarge = errors.New("codec: message too large")

// Message is one framed unit on the wire. Video messages carry raw RGBA in
// Pix; packet messages carry an encoded payload in Pix named by Codec.
type Message struct {
	Type     string `msgpack:"t"`
	PTS      int64  `msgpack:"pts_ns"`
	Width    int    `msgpack:"w,omitempty"`
	Height   int    `msgpack:"h,omitempty"`
	Pix      []byte `msgpack:"pix,omitempty"`
	Rate     int    `msgpack:"rate,omitempty"`
	Channels int    `msgpack:"ch,omitempty"`
	PCM      []byte `msgpack:"pcm,omitempty"`
	SEI      []byte `msgpack:"sei,omitempty"`
	Key      bool   `msgpack:"key,omitempty"`
	Codec    string `msgpack:"codec,omitempty"`
}

// Timestamp returns the message PTS.
func (m *Message) Timestamp() time.Duration { return time.Duration(m.PTS) }

// Marshal returns the framed encoding of m.
func (m *Message) Marshal() ([]byte, error) {
	body, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", m.Type, err)
	}
	if len(body) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	buf := make([]byte, 0, quicvarint.Len(uint64(len(body)))+len(body))
	buf = quicvarint.Append(buf, uint64(len(body)))
	return append(buf, body...), nil
}

// WriteMessage writes m as a single Write call.
func WriteMessage(w io.Writer, m *Message) error {
	buf, err := m.Marshal()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Reader reads framed messages from a stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return &Reader{r: br}
	}
	return &Reader{r: bufio.NewReaderSize(r, 64<<10)}
}

// Next reads one message. io.EOF is returned only on a clean boundary.
func (r *Reader) Next() (*Message, error) {
	length, err := quicvarint.Read(r.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read message length: %w", err)
	}
	if length > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return nil, fmt.Errorf("read message body: %w", err)
	}
	return Unmarshal(body)
}

// Unmarshal decodes a message body (without the length prefix).
func Unmarshal(body []byte) (*Message, error) {
	var m Message
	if err := msgpack.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	switch m.Type {
	case TypeVideo, TypeAudio, TypePacket:
	default:
		return nil, fmt.Errorf("unknown message type %q", m.Type)
	}
	return &m, nil
}

// VideoMessage builds a raw video message from a frame.
func VideoMessage(f *media.VideoFrame) *Message {
	w, h := f.Size()
	return &Message{
		Type:   TypeVideo,
		PTS:    int64(f.PTS),
		Width:  w,
		Height: h,
		Pix:    packRGBA(f.Image),
		Key:    true,
	}
}

// AudioMessage builds an audio message with little-endian int16 PCM.
func AudioMessage(f *media.AudioFrame) *Message {
	pcm := make([]byte, 2*len(f.Samples))
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(s))
	}
	return &Message{
		Type:     TypeAudio,
		PTS:      int64(f.PTS),
		Rate:     f.SampleRate,
		Channels: f.Channels,
		PCM:      pcm,
	}
}

// VideoFrame decodes a raw video message.
func (m *Message) VideoFrame(inputID string) (*media.VideoFrame, error) {
	if m.Type != TypeVideo {
		return nil, fmt.Errorf("message type %q is not video", m.Type)
	}
	if m.Width <= 0 || m.Height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", m.Width, m.Height)
	}
	if want := m.Width * m.Height * 4; len(m.Pix) != want {
		return nil, fmt.Errorf("frame %dx%d: got %d bytes of pixels, want %d", m.Width, m.Height, len(m.Pix), want)
	}
	img := &image.RGBA{
		Pix:    m.Pix,
		Stride: m.Width * 4,
		Rect:   image.Rect(0, 0, m.Width, m.Height),
	}
	return &media.VideoFrame{InputID: inputID, PTS: m.Timestamp(), Image: img}, nil
}

// AudioFrame decodes an audio message.
func (m *Message) AudioFrame(inputID string) (*media.AudioFrame, error) {
	if m.Type != TypeAudio {
		return nil, fmt.Errorf("message type %q is not audio", m.Type)
	}
	if m.Rate <= 0 || m.Channels <= 0 {
		return nil, fmt.Errorf("invalid audio format %d Hz, %d channels", m.Rate, m.Channels)
	}
	if len(m.PCM)%(2*m.Channels) != 0 {
		return nil, fmt.Errorf("pcm length %d is not a whole number of samples", len(m.PCM))
	}
	samples := make([]int16, len(m.PCM)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(m.PCM[2*i:]))
	}
	return &media.AudioFrame{
		InputID:    inputID,
		PTS:        m.Timestamp(),
		SampleRate: m.Rate,
		Channels:   m.Channels,
		Samples:    samples,
	}, nil
}

// packRGBA returns tightly packed pixels, copying rows when the image has
// padding or a non-zero origin.
func packRGBA(img *image.RGBA) []byte {
	if img == nil {
		return nil
	}
	b := img.Bounds()
	rowLen := b.Dx() * 4
	if img.Stride == rowLen && b.Min == (image.Point{}) {
		out := make([]byte, rowLen*b.Dy())
		copy(out, img.Pix)
		return out
	}
	out := make([]byte, 0, rowLen*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		out = append(out, img.Pix[off:off+rowLen]...)
	}
	return out
}
