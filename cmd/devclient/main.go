// devclient is a manual verification client for the dev harness path:
// it connects to /media-stream-test, streams a synthesized tone as the
// caller, and reports the assistant audio that comes back.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/conneczen/voice-worker/internal/audio"
	"github.com/conneczen/voice-worker/internal/codec"
	"github.com/conneczen/voice-worker/internal/observability"
)

const (
	// 20ms of 8kHz 16-bit mono per chunk, the telephony frame cadence
	chunkSamples  = codec.SampleRate / 50
	chunkInterval = 20 * time.Millisecond
)

func main() {
	var (
		serverURL = flag.String("url", "ws://localhost:8080/media-stream-test", "harness WebSocket URL")
		contextID = flag.String("context", "", "call context id (required)")
		duration  = flag.Duration("duration", 3*time.Second, "how long to stream the tone")
		listen    = flag.Duration("listen", 5*time.Second, "how long to wait for assistant audio after streaming")
		freq      = flag.Float64("freq", 440, "tone frequency in Hz")
		amplitude = flag.Float64("amplitude", 0.5, "tone amplitude, 0.0 to 1.0")
		outFile   = flag.String("out", "", "write received PCM to this file (raw 16-bit LE, 8kHz mono)")
	)
	flag.Parse()

	observability.InitLogger("info", true)
	logger := observability.GetLogger()

	if *contextID == "" {
		fmt.Fprintln(os.Stderr, "usage: devclient -context <id> [-url ...] [-duration ...]")
		os.Exit(2)
	}

	url := *serverURL + "?contextId=" + *contextID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		logger.Fatal().Err(err).Str("url", url).Msg("Failed to connect")
	}
	defer conn.Close()

	logger.Info().Str("url", url).Msg("Connected to harness")

	// Capture buffer for everything the assistant sends back
	maxCapture := codec.SampleRate * codec.BytesPerSample * int((*duration + *listen).Seconds() + 1)
	capture := audio.NewRingBuffer(maxCapture + 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := codec.DecodeHarnessMessage(raw)
			if err != nil {
				logger.Warn().Err(err).Msg("Undecodable message from server")
				continue
			}
			switch msg.Type {
			case codec.HarnessAudio:
				frame, err := msg.Frame(0)
				if err != nil {
					logger.Warn().Err(err).Msg("Undecodable audio payload")
					continue
				}
				capture.Write(frame.PCM)
			case codec.HarnessError:
				logger.Error().Str("message", msg.Message).Msg("Server reported an error")
			}
		}
	}()

	// Stream the tone at the telephony frame cadence
	totalSamples := int(duration.Seconds() * codec.SampleRate)
	samples := audio.SynthesizeTone(*freq, codec.SampleRate, totalSamples, *amplitude)
	pcm := audio.SamplesToBytes(samples)

	ticker := time.NewTicker(chunkInterval)
	defer ticker.Stop()

	sent := 0
	for offset := 0; offset < len(pcm); offset += chunkSamples * codec.BytesPerSample {
		<-ticker.C
		end := offset + chunkSamples*codec.BytesPerSample
		if end > len(pcm) {
			end = len(pcm)
		}
		chunk, err := codec.EncodeHarnessAudioChunk(pcm[offset:end])
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to encode chunk")
		}
		if err := conn.WriteMessage(websocket.TextMessage, chunk); err != nil {
			logger.Fatal().Err(err).Msg("Failed to send chunk")
		}
		sent++
	}

	logger.Info().Int("chunks", sent).Dur("duration", *duration).Msg("Tone streamed, listening")

	select {
	case <-done:
	case <-time.After(*listen):
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	<-done

	received := make([]byte, capture.Available())
	capture.Read(received)

	if len(received) == 0 {
		logger.Warn().Msg("No assistant audio received")
		return
	}

	recvSamples, err := audio.BytesToSamples(received)
	if err != nil {
		logger.Fatal().Err(err).Msg("Received PCM is malformed")
	}
	logger.Info().
		Int("bytes", len(received)).
		Float64("seconds", float64(len(recvSamples))/codec.SampleRate).
		Float64("rms", audio.CalculateRMS(recvSamples)).
		Msg("Assistant audio received")

	if *outFile != "" {
		if err := os.WriteFile(*outFile, received, 0o644); err != nil {
			logger.Fatal().Err(err).Msg("Failed to write output file")
		}
		logger.Info().Str("file", *outFile).Msg("Received audio written")
	}
}
