package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"

	"github.com/zsiec/mosaic/internal/media"
)

// DecodeVideo turns a raw video message or an encoded packet message into a
// frame. Packets are decoded with the codec they name.
func DecodeVideo(m *Message, inputID string) (*media.VideoFrame, error) {
	switch m.Type {
	case TypeVideo:
		return m.VideoFrame(inputID)
	case TypePacket:
	default:
		return nil, fmt.Errorf("message type %q is not video", m.Type)
	}

	switch m.Codec {
	case EncoderMJPEG:
		img, err := jpeg.Decode(bytes.NewReader(m.Pix))
		if err != nil {
			return nil, fmt.Errorf("decode mjpeg packet: %w", err)
		}
		rgba, ok := img.(*image.RGBA)
		if !ok {
			rgba = image.NewRGBA(image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy()))
			draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
		}
		return &media.VideoFrame{InputID: inputID, PTS: m.Timestamp(), Image: rgba}, nil
	case "", EncoderRaw:
		raw := *m
		raw.Type = TypeVideo
		return raw.VideoFrame(inputID)
	default:
		return nil, fmt.Errorf("%w: packet codec %q", ErrUnknownEncoder, m.Codec)
	}
}
