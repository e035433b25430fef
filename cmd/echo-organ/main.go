// Command echo-organ is a minimal organ. It answers heartbeats with its own
// heartbeat and replies to every other packet with a RESPONSE echoing the
// payload.
//
// Anything written to stderr is read by the supervisor as a request to undo
// the last operation, so diagnostics go to the -log file only.
package main

import (
	"bufio"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"runtime"

	"github.com/najoast/nexus/kpp"
)

func main() {
	address := flag.String("address", os.Getenv("NEXUS_ORGAN_ADDRESS"), "urn this organ answers as")
	logFile := flag.String("log", "", "diagnostic log file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			os.Exit(2)
		}
		defer f.Close()
		logger = slog.New(slog.NewJSONHandler(f, nil))
	}
	if *address == "" {
		logger.Error("no address")
		os.Exit(2)
	}

	if err := serve(*address, os.Stdin, os.Stdout, logger); err != nil {
		logger.Error("organ stopped", "error", err)
		os.Exit(1)
	}
}

func serve(address string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	r := bufio.NewReader(in)
	w := bufio.NewWriter(out)
	handled := 0

	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 1 {
			if reply := answer(address, line[:len(line)-1], handled, logger); reply != nil {
				data, merr := kpp.Marshal(reply)
				if merr != nil {
					return merr
				}
				if _, werr := w.Write(append(data, '\n')); werr != nil {
					return werr
				}
				if ferr := w.Flush(); ferr != nil {
					return ferr
				}
				handled++
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func answer(address string, line []byte, handled int, logger *slog.Logger) *kpp.Packet {
	p, err := kpp.Parse(line)
	if err != nil {
		logger.Warn("unparseable packet", "error", err)
		return nil
	}

	if p.IsHeartbeat() {
		return kpp.New(address, p.Route.From, kpp.IntentHeartbeat, map[string]any{"handled": handled},
			kpp.WithCorrelation(p.Nexus.ID),
			kpp.WithPriority(kpp.MinPriority),
			kpp.WithHealth(kpp.Health{
				Load:   load(),
				State:  "idle",
				Energy: 1,
			}))
	}

	to := p.Route.ReplyTo
	if to == "" {
		to = p.Route.From
	}
	logger.Info("echo", "packet", p.Nexus.ID, "to", to, "intent", p.Instruction.Intent)
	return kpp.New(address, to, kpp.IntentResponse, p.Payload,
		kpp.WithCorrelation(p.Nexus.ID),
		kpp.WithOpCode(p.Instruction.OpCode),
		kpp.WithPriority(p.Nexus.Priority),
		kpp.WithGravity(p.Nexus.GravityFactor))
}

// load is a rough occupancy figure reported with heartbeats.
func load() float64 {
	g := float64(runtime.NumGoroutine())
	return min(g/100, 1)
}
