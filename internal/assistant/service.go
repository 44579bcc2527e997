package assistant

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fintalk-labs/fintalk-client/internal/backend"
	"github.com/fintalk-labs/fintalk-client/internal/bus"
	"github.com/fintalk-labs/fintalk-client/internal/config"
	"github.com/fintalk-labs/fintalk-client/internal/protocol"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Conversational is the slice of the backend client the assistant needs.
type Conversational interface {
	Chat(ctx context.Context, turns []backend.ChatTurn) (backend.ChatReply, error)
	Transcribe(ctx context.Context, wav io.Reader) (string, error)
}

// Speaker plays an assistant reply aloud. Satisfied by the speech controller.
type Speaker interface {
	Toggle(ctx context.Context, messageID, text string) error
}

// Service routes surface input through the backend: voice frames are
// assembled into WAV and transcribed, text goes straight to chat, replies
// are published back and optionally spoken.
type Service struct {
	cfg     config.AssistantConfig
	bus     *bus.Client
	pub     bus.Publisher
	client  Conversational
	speaker Speaker
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	subs    []*nats.Subscription
	wg      sync.WaitGroup

	mu      sync.Mutex
	buffers map[string][]byte
	history map[string][]backend.ChatTurn
}

func NewService(parent context.Context, cfg config.AssistantConfig, busClient *bus.Client, pub bus.Publisher, client Conversational, speaker Speaker, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		pub:     pub,
		client:  client,
		speaker: speaker,
		logger:  log.With(slog.String("component", "assistant")),
		ctx:     ctx,
		cancel:  cancel,
		buffers: make(map[string][]byte),
		history: make(map[string][]backend.ChatTurn),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	frameSub, err := s.bus.Conn().Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.subs = append(s.subs, frameSub)

	textSub, err := s.bus.Conn().Subscribe(protocol.SubjectTextInput, s.handleText)
	if err != nil {
		frameSub.Drain()
		return fmt.Errorf("subscribe text input: %w", err)
	}
	s.subs = append(s.subs, textSub)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || len(s.subs) == 2
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		return
	}

	s.mu.Lock()
	s.buffers[frame.SessionID] = append(s.buffers[frame.SessionID], frame.PCM...)
	if !frame.Final {
		s.mu.Unlock()
		return
	}
	pcm := s.buffers[frame.SessionID]
	delete(s.buffers, frame.SessionID)
	s.mu.Unlock()

	if len(pcm) == 0 {
		return
	}

	sampleRate := frame.SampleRate
	if sampleRate == 0 {
		sampleRate = s.cfg.SampleRate
	}
	channels := frame.Channels
	if channels == 0 {
		channels = s.cfg.Channels
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
		defer cancel()
		s.transcribeAndRespond(ctx, frame.SessionID, pcm, sampleRate, channels)
	}()
}

func (s *Service) transcribeAndRespond(ctx context.Context, sessionID string, pcm []byte, sampleRate, channels int) {
	wavFile, err := encodeWAV(pcm, sampleRate, channels)
	if err != nil {
		s.logger.Warn("failed to encode recording", slogError(err))
		return
	}
	defer os.Remove(wavFile.Name())
	defer wavFile.Close()

	text, err := s.client.Transcribe(ctx, wavFile)
	if err != nil {
		s.logger.Warn("transcription failed", slogError(err))
		return
	}
	if text == "" {
		return
	}

	transcript := protocol.Transcript{
		SessionID: sessionID,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	if err := s.pub.Publish(protocol.SubjectTranscriptFinal, transcript); err != nil {
		s.logger.Warn("failed to publish transcript", slogError(err))
	}

	s.respond(ctx, sessionID, text, s.cfg.SpeakReplies)
}

func (s *Service) handleText(msg *nats.Msg) {
	var input protocol.TextInput
	if err := json.Unmarshal(msg.Data, &input); err != nil {
		s.logger.Warn("failed to decode text input", slogError(err))
		return
	}
	if input.SessionID == "" || input.Text == "" {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
		defer cancel()
		s.respond(ctx, input.SessionID, input.Text, input.Speak)
	}()
}

// respond appends the user turn, asks the backend for a completion, and
// publishes the reply. History is bounded per session.
func (s *Service) respond(ctx context.Context, sessionID, text string, speak bool) {
	turns := s.appendTurn(sessionID, backend.ChatTurn{Role: "user", Content: text})

	reply, err := s.client.Chat(ctx, turns)
	if err != nil {
		s.logger.Warn("chat completion failed", slogError(err))
		return
	}
	if reply.Reply == "" {
		return
	}
	s.appendTurn(sessionID, backend.ChatTurn{Role: "assistant", Content: reply.Reply})

	messageID := uuid.NewString()
	out := protocol.Reply{
		SessionID: sessionID,
		MessageID: messageID,
		Text:      reply.Reply,
		Timestamp: time.Now().UTC(),
	}
	if err := s.pub.Publish(protocol.SubjectAssistantReply, out); err != nil {
		s.logger.Warn("failed to publish reply", slogError(err))
	}

	if speak && s.speaker != nil {
		if err := s.speaker.Toggle(ctx, messageID, reply.Reply); err != nil {
			s.logger.Warn("failed to speak reply", slogError(err))
		}
	}
}

func (s *Service) appendTurn(sessionID string, turn backend.ChatTurn) []backend.ChatTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := append(s.history[sessionID], turn)
	if limit := s.cfg.HistoryLimit; limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	s.history[sessionID] = turns
	return append([]backend.ChatTurn(nil), turns...)
}

// encodeWAV writes 16-bit little-endian PCM into a temp WAV file and
// returns it positioned at the start, ready for upload.
func encodeWAV(pcm []byte, sampleRate, channels int) (*os.File, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}

	file, err := os.CreateTemp("", "fintalk_rec_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:   samples,
	}

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, fmt.Errorf("rewind wav: %w", err)
	}
	return file, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
