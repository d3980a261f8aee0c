package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image/jpeg"
	"time"

	"github.com/zsiec/mosaic/internal/media"
)

// Encoder names.
const (
	EncoderRaw   = "raw"
	EncoderMJPEG = "mjpeg"
)

// ErrUnknownEncoder is returned by New for unsupported encoder types.
var ErrUnknownEncoder = errors.New("codec: unknown encoder")

// Packet is an encoded unit ready for a transport. Data is a complete framed
// wire message.
type Packet struct {
	Video bool
	Key   bool
	PTS   time.Duration
	Data  []byte
}

// Encoder turns composited frames into packets. Implementations need not be
// safe for concurrent use: each output owns its encoder.
type Encoder interface {
	Encode(f *media.VideoFrame) (Packet, error)
	EncodeAudio(f *media.AudioFrame) (Packet, error)
}

// Settings selects and configures an encoder.
type Settings struct {
	Type string `json:"type" yaml:"type"`
	// Quality is the JPEG quality for mjpeg, 1-100. Zero means 85.
	Quality int `json:"quality,omitempty" yaml:"quality,omitempty"`
}

// New creates the encoder named by s.Type; empty means raw.
func New(s Settings) (Encoder, error) {
	switch s.Type {
	case "", EncoderRaw:
		return RawEncoder{}, nil
	case EncoderMJPEG:
		return NewMJPEGEncoder(s.Quality)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoder, s.Type)
	}
}

// RawEncoder passes RGBA frames through as video messages.
type RawEncoder struct{}

// Encode implements Encoder.
func (RawEncoder) Encode(f *media.VideoFrame) (Packet, error) {
	if f == nil || f.Image == nil {
		return Packet{}, errors.New("codec: empty video frame")
	}
	data, err := VideoMessage(f).Marshal()
	if err != nil {
		return Packet{}, err
	}
	return Packet{Video: true, Key: true, PTS: f.PTS, Data: data}, nil
}

// EncodeAudio implements Encoder.
func (RawEncoder) EncodeAudio(f *media.AudioFrame) (Packet, error) {
	return encodeAudio(f)
}

// MJPEGEncoder compresses every frame as an independent JPEG.
type MJPEGEncoder struct {
	quality int
	buf     bytes.Buffer
}

// NewMJPEGEncoder creates an MJPEG encoder.
func NewMJPEGEncoder(quality int) (*MJPEGEncoder, error) {
	if quality == 0 {
		quality = 85
	}
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("codec: mjpeg quality %d out of range", quality)
	}
	return &MJPEGEncoder{quality: quality}, nil
}

// Encode implements Encoder.
func (e *MJPEGEncoder) Encode(f *media.VideoFrame) (Packet, error) {
	if f == nil || f.Image == nil {
		return Packet{}, errors.New("codec: empty video frame")
	}
	e.buf.Reset()
	if err := jpeg.Encode(&e.buf, f.Image, &jpeg.Options{Quality: e.quality}); err != nil {
		return Packet{}, fmt.Errorf("codec: jpeg encode: %w", err)
	}
	w, h := f.Size()
	m := &Message{
		Type:   TypePacket,
		Codec:  EncoderMJPEG,
		PTS:    int64(f.PTS),
		Width:  w,
		Height: h,
		Pix:    e.buf.Bytes(),
		Key:    true,
	}
	data, err := m.Marshal()
	if err != nil {
		return Packet{}, err
	}
	return Packet{Video: true, Key: true, PTS: f.PTS, Data: data}, nil
}

// EncodeAudio implements Encoder. Audio is carried as PCM.
func (e *MJPEGEncoder) EncodeAudio(f *media.AudioFrame) (Packet, error) {
	return encodeAudio(f)
}

func encodeAudio(f *media.AudioFrame) (Packet, error) {
	if f == nil {
		return Packet{}, errors.New("codec: empty audio frame")
	}
	data, err := AudioMessage(f).Marshal()
	if err != nil {
		return Packet{}, err
	}
	return Packet{PTS: f.PTS, Data: data}, nil
}
