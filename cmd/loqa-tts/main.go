package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/backend"
	"github.com/loqalabs/loqa-tts/internal/catalog"
	"github.com/loqalabs/loqa-tts/internal/stream"
	"github.com/loqalabs/loqa-tts/internal/textsplit"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'split', 'synth', 'voices' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "split":
		err = runSplit(os.Args[2:], os.Stdin, os.Stdout)
	case "synth":
		err = runSynth(os.Args[2:])
	case "voices":
		err = runVoices(os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// readText returns the positional arguments joined, or stdin when there are
// none.
func readText(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(bufio.NewReader(stdin))
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}

func runSplit(args []string, stdin io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("split", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	text, err := readText(fs.Args(), stdin)
	if err != nil {
		return err
	}
	for i, chunk := range textsplit.Split(text) {
		fmt.Fprintf(out, "%d\t%s\n", i, chunk)
	}
	return nil
}

func runVoices(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("voices", flag.ContinueOnError)
	aliases := fs.Bool("aliases", false, "Include OpenAI alias entries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	voices := catalog.Voices()
	if *aliases {
		voices = catalog.VoicesWithAliases()
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, v := range voices {
		fmt.Fprintf(tw, "%s\t%s\n", v.ID, v.Name)
	}
	return tw.Flush()
}

type synthOptions struct {
	voice      string
	format     string
	speed      float64
	silence    int
	output     string
	stream     bool
	command    string
	sampleRate int
}

func runSynth(args []string) error {
	var opts synthOptions
	fs := flag.NewFlagSet("synth", flag.ContinueOnError)
	fs.StringVar(&opts.voice, "voice", "af_alloy", "Voice id or OpenAI alias")
	fs.StringVar(&opts.format, "format", "wav", "Output format: wav or pcm")
	fs.Float64Var(&opts.speed, "speed", 1.0, "Speech speed (0.25 to 4)")
	fs.IntVar(&opts.silence, "silence", 0, "Leading silence in samples")
	fs.StringVar(&opts.output, "out", "", "Output file (stdout when empty)")
	fs.BoolVar(&opts.stream, "stream", false, "Synthesize chunk by chunk as the server does")
	fs.StringVar(&opts.command, "command", "", "External engine command; the mock engine is used when empty")
	fs.IntVar(&opts.sampleRate, "sample-rate", audio.DefaultSampleRate, "Engine sample rate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text, err := readText(fs.Args(), os.Stdin)
	if err != nil {
		return err
	}

	format, err := catalog.ValidateFormat(opts.format)
	if err != nil {
		return err
	}
	voice, err := catalog.ValidateVoice(opts.voice)
	if err != nil {
		return err
	}
	if err := catalog.ValidateSpeed(float32(opts.speed)); err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("no text to synthesize")
	}

	engine := tts.NewMockSynth(uint32(opts.sampleRate), 0)
	if opts.command != "" {
		if engine, err = tts.NewExecSynth(opts.command, opts.sampleRate); err != nil {
			return err
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	b := backend.New(engine, backend.Options{SampleRate: uint32(opts.sampleRate), Timeout: 5 * time.Minute}, logger)
	defer b.Close()

	out := io.Writer(os.Stdout)
	if opts.output != "" {
		f, err := os.Create(opts.output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var silence *int
	if opts.silence > 0 {
		silence = &opts.silence
	}
	req := tts.Request{Text: text, Voice: voice, Speed: float32(opts.speed), LeadingSilence: silence}

	if !opts.stream {
		res, err := b.Synthesize(ctx, req)
		if err != nil {
			return err
		}
		data, err := format.Encode(res.Samples, res.SampleRate)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	}

	framing := stream.FramingPCM
	if format == audio.FormatWAV {
		framing = stream.FramingWAV
	}
	st := stream.Begin(ctx, stream.Session{
		Chunks:     textsplit.Split(text),
		Framing:    framing,
		SampleRate: b.SampleRate(),
	}, func(ctx context.Context, chunk string, first bool) (tts.Result, error) {
		r := req
		r.Text = chunk
		if !first {
			r.LeadingSilence = nil
		}
		return b.Synthesize(ctx, r)
	}, logger)
	defer st.Close()

	for frame := range st.Frames() {
		if frame.Err != nil {
			return frame.Err
		}
		if _, err := out.Write(frame.Data); err != nil {
			return err
		}
	}
	if sum := st.Summary(); sum.Cancelled {
		return context.Canceled
	}
	return nil
}
