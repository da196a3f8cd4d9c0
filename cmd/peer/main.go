// Command peer is a headless interview participant. It joins a room through
// the relay, optionally streams an Ogg/Opus file as its microphone, forwards
// the remote speaker to speech-to-text and prints the live transcript.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mossy-p/interview-call/config"
	"github.com/mossy-p/interview-call/internal/iceservers"
	"github.com/mossy-p/interview-call/internal/logger"
	"github.com/mossy-p/interview-call/internal/negotiation"
	"github.com/mossy-p/interview-call/internal/signaling"
	"github.com/mossy-p/interview-call/internal/transcript"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "peer: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	room := flag.String("room", cfg.Interview.RoomID, "room id or code to join")
	session := flag.String("session", cfg.Interview.SessionID, "interview session for transcription, empty to disable")
	speaker := flag.String("speaker", transcript.RoleCandidate, "role of the remote speaker (candidate or interviewer)")
	audioPath := flag.String("audio", "", "Ogg/Opus file to loop as local audio")
	showTranscript := flag.Bool("transcript", true, "print the live transcript of the session")
	flag.Parse()

	log, err := logger.New(logger.Options{
		Name:       "peer",
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		Production: cfg.IsProduction(),
	})
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ice := iceservers.NewProvider(log.Named("ice"), iceservers.Options{
		Domain: cfg.ICE.CredentialDomain,
		APIKey: cfg.ICE.CredentialAPIKey,
		StaticTURN: iceservers.StaticTURN{
			URLs:     cfg.ICE.TURNURLs,
			Username: cfg.ICE.TURNUsername,
			Password: cfg.ICE.TURNPassword,
		},
		ForceRelay: cfg.ICE.ForceRelay,
		TTL:        cfg.ICE.CredentialTTL,
	}, nil)

	var feed transcript.Feed
	if *session != "" {
		feed = transcript.NewClient(log.Named("stt"), cfg.Relay.BaseURL, cfg.Interview.STTChunkInterval)
	}

	local := negotiation.LocalStream{ID: "peer-" + uuid.NewString()}
	if *audioPath != "" {
		track, err := newOpusTrack(local.ID)
		if err != nil {
			return err
		}
		local.Tracks = append(local.Tracks, track)

		go func() {
			if err := playOgg(ctx, *audioPath, track); err != nil {
				log.Errorw("local audio failed", "path", *audioPath, "error", err)
			}
		}()
	}

	// rejoin requests come from the machine loop, which must not attach itself
	rejoin := make(chan struct{}, 1)
	call := negotiation.NewCall(negotiation.CallOptions{
		Config: negotiation.Config{
			RoomID:      *room,
			SessionID:   *session,
			SpeakerRole: *speaker,
			Timing: negotiation.Timing{
				Fallback:       cfg.Interview.InitiatorFallback,
				OfferDelay:     cfg.Interview.OfferDelay,
				CandidateRetry: negotiation.DefaultTiming().CandidateRetry,
			},
		},
		Logger:      log.Named("negotiation"),
		Credentials: ice,
		NewSignaler: func() negotiation.Signaler {
			return signaling.NewChannel(log.Named("signaling"), cfg.Relay.BaseURL)
		},
		Feed: feed,
		OnStateChange: func(s negotiation.Snapshot) {
			log.Infow("call state",
				"phase", s.Phase,
				"role", s.Role.String(),
				"connection", s.ConnectionState.String(),
				"occupancy", s.Occupancy,
				"error", s.Error,
			)
			if s.Error == negotiation.ErrPeerLeft.Error() {
				select {
				case rejoin <- struct{}{}:
				default:
				}
			}
		},
		OnRemoteStream: func(rs *negotiation.RemoteStream) {
			log.Infow("remote stream", "stream", rs.ID, "tracks", len(rs.Tracks()), "audio", len(rs.AudioTracks()))
		},
	})
	defer call.Close()

	if err := call.Attach(ctx, local); err != nil {
		return err
	}
	log.Infow("joined room", "room", *room, "relay", cfg.Relay.BaseURL, "transcription", feed != nil)

	g, gctx := errgroup.WithContext(ctx)
	if *session != "" && *showTranscript {
		g.Go(func() error {
			err := transcript.Subscribe(gctx, log.Named("transcript"), cfg.Relay.BaseURL, *session, func(l transcript.Line) {
				fmt.Printf("[%s] %s\n", l.Role, l.Text)
			})
			if err != nil {
				log.Warnw("live transcript unavailable", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-rejoin:
				log.Infow("peer left, rejoining the room with a fresh connection")
				if err := call.Attach(gctx, local); err != nil {
					return fmt.Errorf("rejoin: %w", err)
				}
			}
		}
	})
	return g.Wait()
}
