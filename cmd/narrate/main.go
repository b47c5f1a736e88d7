package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

var version = "0.1.0-dev"

func usage() {
	fmt.Fprintln(os.Stderr, "usage: narrate <submit|progress|status|history|nodes|version> [flags]")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "submit":
		err = runSubmit(os.Args[2:])
	case "progress":
		err = runProgress(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "history":
		err = runHistory(os.Args[2:])
	case "nodes":
		err = runNodes(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type common struct {
	configPath string
	timeout    time.Duration
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to narrator configuration (bus section is used)")
	fs.DurationVar(&c.timeout, "timeout", 5*time.Second, "Request timeout")
}

func (c *common) connect() (*bus.Client, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	return bus.Connect(context.Background(), cfg.Bus, quiet)
}

func runSubmit(args []string) error {
	var (
		c     common
		file  string
		text  string
		voice string
		jobID string
		wait  bool
		poll  time.Duration
	)
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	c.register(fs)
	fs.StringVar(&file, "file", "", "Text file to narrate (- for stdin)")
	fs.StringVar(&text, "text", "", "Text to narrate")
	fs.StringVar(&voice, "voice", "", "Voice id (server default when empty)")
	fs.StringVar(&jobID, "id", "", "Job id (random when empty)")
	fs.BoolVar(&wait, "wait", true, "Follow progress until the job finishes")
	fs.DurationVar(&poll, "poll", time.Second, "Progress poll interval")
	_ = fs.Parse(args)

	if text == "" {
		data, err := readInput(file)
		if err != nil {
			return err
		}
		text = string(data)
	}
	if jobID == "" {
		jobID = uuid.NewString()
	}

	client, err := c.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	// Subscribe before submitting so a fast job cannot finish unseen.
	statuses := make(chan protocol.JobStatus, 8)
	sub, err := client.Conn().Subscribe(protocol.StatusSubject(jobID), func(msg *nats.Msg) {
		var s protocol.JobStatus
		if json.Unmarshal(msg.Data, &s) == nil {
			statuses <- s
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe status: %w", err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	var reply protocol.SubmitReply
	if err := client.RequestJSON(ctx, protocol.SubjectJobSubmit, protocol.SubmitRequest{JobID: jobID, Text: text, Voice: voice}, &reply); err != nil {
		return err
	}
	if !reply.Accepted {
		return fmt.Errorf("job %s rejected (%s): %s", reply.JobID, reply.ErrorCode, reply.Error)
	}
	fmt.Printf("job %s accepted: %d chunks\n", reply.JobID, reply.Chunks)
	if !wait {
		return nil
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case s := <-statuses:
			switch s.State {
			case protocol.StatusDone:
				printStatus(s)
				return nil
			case protocol.StatusFailed:
				printStatus(s)
				return errors.New("job failed")
			}
		case <-ticker.C:
			p, err := progress(client, c.timeout, jobID)
			if err != nil {
				return err
			}
			fmt.Printf("\r%s: %d/%d chunks (%d%%)", jobID, p.Done, p.Total, p.Percent)
		}
	}
}

func runProgress(args []string) error {
	var (
		c     common
		jobID string
	)
	fs := flag.NewFlagSet("progress", flag.ExitOnError)
	c.register(fs)
	fs.StringVar(&jobID, "id", "", "Job id")
	_ = fs.Parse(args)
	if jobID == "" {
		return errors.New("-id is required")
	}
	client, err := c.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	p, err := progress(client, c.timeout, jobID)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s %d/%d chunks (%d%%), updated %s\n", p.JobID, p.State, p.Done, p.Total, p.Percent, humanize.Time(p.UpdatedAt))
	return nil
}

func runStatus(args []string) error {
	var (
		c     common
		jobID string
	)
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	c.register(fs)
	fs.StringVar(&jobID, "id", "", "Job id")
	_ = fs.Parse(args)
	if jobID == "" {
		return errors.New("-id is required")
	}
	client, err := c.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	msg, err := client.LastMessage(protocol.StreamJobStatus, protocol.StatusSubject(jobID))
	if err != nil {
		if errors.Is(err, nats.ErrMsgNotFound) {
			return fmt.Errorf("no status recorded for job %s", jobID)
		}
		return err
	}
	var s protocol.JobStatus
	if err := json.Unmarshal(msg.Data, &s); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	printStatus(s)
	return nil
}

func runHistory(args []string) error {
	var (
		c     common
		jobID string
		limit int
	)
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	c.register(fs)
	fs.StringVar(&jobID, "id", "", "Job id")
	fs.IntVar(&limit, "limit", 50, "Maximum number of events")
	_ = fs.Parse(args)
	if jobID == "" {
		return errors.New("-id is required")
	}
	client, err := c.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	var reply protocol.HistoryReply
	if err := client.RequestJSON(ctx, protocol.SubjectJobHistory, protocol.HistoryRequest{JobID: jobID, Limit: limit}, &reply); err != nil {
		return err
	}
	if reply.ErrorCode != "" {
		return fmt.Errorf("history %s (%s): %s", jobID, reply.ErrorCode, reply.Error)
	}
	job := reply.Job
	fmt.Printf("%s on %s: %s, %d chunks, voice %s\n", job.JobID, job.NodeID, job.State, job.Chunks, job.Voice)
	for _, evt := range reply.Events {
		fmt.Printf("  %s  %-12s %s\n", evt.CreatedAt.Format(time.RFC3339), evt.Type, evt.Payload)
	}
	return nil
}

func runNodes(args []string) error {
	var (
		c          common
		capability string
		healthy    bool
	)
	fs := flag.NewFlagSet("nodes", flag.ExitOnError)
	c.register(fs)
	fs.StringVar(&capability, "capability", "", "Only list nodes offering this capability")
	fs.BoolVar(&healthy, "healthy", false, "Only list healthy nodes")
	_ = fs.Parse(args)

	client, err := c.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	var reply protocol.NodeListReply
	if err := client.RequestJSON(ctx, protocol.SubjectNodeList, protocol.NodeListRequest{Capability: capability, HealthyOnly: healthy}, &reply); err != nil {
		return err
	}
	if reply.ErrorCode != "" {
		return fmt.Errorf("nodes (%s): %s", reply.ErrorCode, reply.Error)
	}
	for _, n := range reply.Nodes {
		mark := " "
		if n.ID == reply.Preferred {
			mark = "*"
		}
		health := "healthy"
		if !n.Healthy {
			health = "silent"
		}
		fmt.Printf("%s %-20s %-8s jobs=%d slots=%d/%d seen %s\n", mark, n.ID, health,
			n.ActiveJobs, n.InFlight, n.Capacity, humanize.Time(n.LastSeen))
	}
	return nil
}

func progress(client *bus.Client, timeout time.Duration, jobID string) (protocol.ProgressReply, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var p protocol.ProgressReply
	if err := client.RequestJSON(ctx, protocol.SubjectJobProgress, protocol.ProgressRequest{JobID: jobID}, &p); err != nil {
		return p, err
	}
	if p.ErrorCode != "" {
		return p, fmt.Errorf("progress %s (%s): %s", jobID, p.ErrorCode, p.Error)
	}
	return p, nil
}

func printStatus(s protocol.JobStatus) {
	fmt.Println()
	switch s.State {
	case protocol.StatusDone:
		fmt.Printf("%s done: %s (%s, %d chunks) in %s\n", s.JobID, s.ArtifactPath,
			humanize.Bytes(uint64(s.Bytes)), s.Chunks, time.Duration(s.DurationMS)*time.Millisecond)
	case protocol.StatusFailed:
		msg := fmt.Sprintf("%s failed (%s): %s", s.JobID, s.ErrorCode, s.Error)
		if s.FailedChunk != nil {
			msg += fmt.Sprintf(" [chunk %d]", *s.FailedChunk)
		}
		fmt.Println(msg)
	default:
		fmt.Printf("%s %s since %s\n", s.JobID, s.State, humanize.Time(s.Timestamp))
	}
}

func readInput(file string) ([]byte, error) {
	switch file {
	case "":
		return nil, errors.New("one of -file or -text is required")
	case "-":
		return io.ReadAll(os.Stdin)
	default:
		return os.ReadFile(file)
	}
}
