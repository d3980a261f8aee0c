// Command mosaic-testsrc publishes a synthetic input to a mosaic SRT
// listener: moving color bars with a frame counter and a 1 kHz tone.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/mosaic/internal/codec"
	"github.com/zsiec/mosaic/internal/media"
)

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:6000", "SRT server address")
	inputsFlag := flag.String("inputs", "test", "Comma-separated input ids to publish")
	sizeFlag := flag.String("size", "640x360", "Frame size WIDTHxHEIGHT")
	rateFlag := flag.String("framerate", "30/1", "Frame rate NUM/DEN")
	toneFlag := flag.Float64("tone", 1000, "Tone frequency in Hz, 0 for silence")
	flag.Parse()

	var w, h int
	if _, err := fmt.Sscanf(*sizeFlag, "%dx%d", &w, &h); err != nil || w <= 0 || h <= 0 {
		fmt.Fprintf(os.Stderr, "Invalid size %q\n", *sizeFlag)
		os.Exit(1)
	}
	fr, err := media.ParseFramerate(*rateFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid framerate: %v\n", err)
		os.Exit(1)
	}

	ids := strings.Split(*inputsFlag, ",")
	fmt.Printf("Publishing %d input(s) to %s at %s\n", len(ids), *addrFlag, fr)

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(id string, hueOffset int) {
			defer wg.Done()
			gen := newGenerator(w, h, fr, *toneFlag, hueOffset)
			publish(id, *addrFlag, gen)
		}(strings.TrimSpace(id), i*40)
		time.Sleep(200 * time.Millisecond)
	}
	wg.Wait()
}

func publish(inputID, addr string, gen *generator) {
	streamID := "live/" + inputID
	for {
		fmt.Printf("[%s] Connecting to SRT %s...\n", streamID, addr)

		cfg := srt.DefaultConfig()
		cfg.StreamID = streamID

		conn, err := srt.Dial(addr, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] SRT connect failed: %v, retrying...\n", streamID, err)
			time.Sleep(time.Second)
			continue
		}

		fmt.Printf("[%s] Connected, streaming\n", streamID)
		writeErr := streamLoop(conn, gen, streamID)
		conn.Close()

		if writeErr != nil {
			fmt.Fprintf(os.Stderr, "[%s] Connection lost: %v, reconnecting...\n", streamID, writeErr)
			time.Sleep(time.Second)
		}
	}
}

// streamLoop writes one video and one audio message per frame, paced against
// the wall clock.
func streamLoop(w io.Writer, gen *generator, streamID string) error {
	start := time.Now()
	lastLog := start
	const logInterval = 10 * time.Second

	for n := uint64(0); ; n++ {
		video, audio := gen.Frame(n)
		if err := codec.WriteMessage(w, codec.VideoMessage(video)); err != nil {
			return err
		}
		if audio != nil {
			if err := codec.WriteMessage(w, codec.AudioMessage(audio)); err != nil {
				return err
			}
		}

		if wait := gen.framerate.TickTime(n+1) - time.Since(start); wait > 0 {
			time.Sleep(wait)
		}
		if time.Since(lastLog) >= logInterval {
			fmt.Printf("[%s] %d frames sent (elapsed: %s)\n", streamID, n+1, time.Since(start).Truncate(time.Second))
			lastLog = time.Now()
		}
	}
}
