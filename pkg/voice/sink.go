package voice

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/latoulicious/Seiun/pkg/player"
)

const (
	joinRetries  = 3
	readyTimeout = 10 * time.Second
	// sendTimeout bounds one frame push into the gateway; a stuck UDP
	// connection must surface as a closed sink, not a hung drain loop.
	sendTimeout = 5 * time.Second
)

// ConnectionSink adapts a discordgo voice connection to the player's frame
// sink. It owns the connection: closing the sink disconnects.
type ConnectionSink struct {
	vc  *discordgo.VoiceConnection
	log *logrus.Entry

	mu     sync.Mutex
	closed bool
}

// Connect joins the guild's voice channel and returns a sink once the
// connection reports ready. Joins are retried with a linear backoff because
// the voice gateway regularly drops the first handshake.
func Connect(s *discordgo.Session, guildID, channelID string, log *logrus.Entry) (*ConnectionSink, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithFields(logrus.Fields{"guild_id": guildID, "channel_id": channelID})

	var vc *discordgo.VoiceConnection
	var err error
	for i := 0; i < joinRetries; i++ {
		vc, err = s.ChannelVoiceJoin(guildID, channelID, false, true)
		if err == nil {
			break
		}
		log.WithFields(logrus.Fields{"attempt": i + 1, "cause": err.Error()}).Warn("voice join failed")
		if i < joinRetries-1 {
			time.Sleep(time.Duration(i+1) * time.Second)
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "join voice channel after %d attempts", joinRetries)
	}

	if err := waitReady(vc); err != nil {
		vc.Disconnect()
		return nil, err
	}
	if err := vc.Speaking(true); err != nil {
		log.WithField("cause", err.Error()).Warn("speaking state update failed")
	}
	log.Info("voice connection ready")
	return &ConnectionSink{vc: vc, log: log}, nil
}

func waitReady(vc *discordgo.VoiceConnection) error {
	timeout := time.After(readyTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-timeout:
			return errors.New("voice connection not ready in time")
		case <-ticker.C:
			if vc.Ready {
				return nil
			}
		}
	}
}

// Write pushes one opus frame to the gateway. A closed sink or a send that
// cannot complete within the timeout reports ErrSinkClosed so the session
// tears the guild down instead of spinning.
func (c *ConnectionSink) Write(f player.Frame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return player.ErrSinkClosed
	}
	send := c.vc.OpusSend
	c.mu.Unlock()

	select {
	case send <- f:
		return nil
	case <-time.After(sendTimeout):
		c.log.Warn("opus send timed out, treating connection as dead")
		return errors.Wrap(player.ErrSinkClosed, "opus send timeout")
	}
}

// Close stops speaking and disconnects. Safe to call more than once.
func (c *ConnectionSink) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.vc.Speaking(false); err != nil {
		c.log.WithField("cause", err.Error()).Debug("speaking off failed during close")
	}
	if err := c.vc.Disconnect(); err != nil {
		return errors.Wrap(err, "disconnect voice")
	}
	c.log.Info("voice connection closed")
	return nil
}

// ChannelID reports which channel the sink is connected to.
func (c *ConnectionSink) ChannelID() string {
	return c.vc.ChannelID
}

// FindUserChannel locates the voice channel a user currently sits in.
func FindUserChannel(s *discordgo.Session, guildID, userID string) (string, bool) {
	guild, err := s.State.Guild(guildID)
	if err != nil {
		return "", false
	}
	for _, vs := range guild.VoiceStates {
		if vs.UserID == userID {
			return vs.ChannelID, true
		}
	}
	return "", false
}
