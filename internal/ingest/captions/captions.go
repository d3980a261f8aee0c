// Package captions decodes CEA-608 and CEA-708 closed captions carried in
// the SEI payloads of ingested video frames.
//
// Channels 1-4 are the CEA-608 channels CC1-CC4. CEA-708 services 1-6 are
// reported as channels 7-12.
package captions

import (
	"time"

	"github.com/zsiec/ccx"
)

// ServiceChannelOffset maps a CEA-708 service number to its channel.
const ServiceChannelOffset = 6

// Caption is decoded display text for one channel.
type Caption struct {
	PTS     time.Duration
	Channel int
	Text    string
}

// Decoder holds caption decoder state for one input. It is not safe for
// concurrent use.
type Decoder struct {
	cea608 map[int]*ccx.CEA608Decoder
	cea708 map[int]*ccx.CEA708Service

	frames  int64
	dtvcc   []byte
	last    [2][2]byte
	lastCtl [2]bool
	lastAt  [2]int64
}

// NewDecoder creates a decoder for all 608 channels and 708 services.
func NewDecoder() *Decoder {
	d := &Decoder{
		cea608: make(map[int]*ccx.CEA608Decoder, 4),
		cea708: make(map[int]*ccx.CEA708Service, 6),
	}
	for ch := 1; ch <= 4; ch++ {
		d.cea608[ch] = ccx.NewCEA608Decoder()
	}
	for svc := 1; svc <= 6; svc++ {
		d.cea708[svc] = ccx.NewCEA708Service()
	}
	return d
}

// Feed decodes the caption data in one frame's SEI payload and returns the
// captions whose display text changed. Feed must be called once per video
// frame, including frames without SEI, so duplicate control codes are
// detected correctly.
func (d *Decoder) Feed(sei []byte, pts time.Duration) []Caption {
	d.frames++
	if len(sei) == 0 {
		return nil
	}
	cd := ccx.ExtractCaptions(sei)
	if cd == nil {
		return nil
	}

	var out []Caption
	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]

		// 608 control codes are sent twice; drop the repeat.
		f := pair.Field
		if cc1 >= 0x10 && cc1 <= 0x1F {
			cp := [2]byte{cc1, cc2}
			if d.lastCtl[f] && d.last[f] == cp && d.frames-d.lastAt[f] <= 2 {
				d.lastCtl[f] = false
				continue
			}
			d.last[f] = cp
			d.lastCtl[f] = true
			d.lastAt[f] = d.frames
		} else {
			d.lastCtl[f] = false
		}

		dec := d.cea608[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			out = append(out, Caption{PTS: pts, Channel: pair.Channel, Text: text})
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			out = append(out, d.drainDTVCC(pts)...)
			d.dtvcc = d.dtvcc[:0]
		}
		d.dtvcc = append(d.dtvcc, t.Data[0], t.Data[1])
	}
	return out
}

func (d *Decoder) drainDTVCC(pts time.Duration) []Caption {
	if len(d.dtvcc) < 1 {
		return nil
	}
	size := ccx.DTVCCPacketSize(d.dtvcc[0])
	if len(d.dtvcc) < size {
		return nil
	}

	var out []Caption
	for _, block := range ccx.ParseDTVCCPacket(d.dtvcc[:size]) {
		svc := d.cea708[block.ServiceNum]
		if svc == nil {
			continue
		}
		if svc.ProcessBlock(block.Data) {
			if text := svc.DisplayText(); text != "" {
				out = append(out, Caption{PTS: pts, Channel: block.ServiceNum + ServiceChannelOffset, Text: text})
			}
		}
	}
	d.dtvcc = d.dtvcc[size:]
	return out
}
