package presence

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"
)

const updateInterval = 5 * time.Minute

// Manager keeps the bot's presence line current: the most recently started
// track while anything plays, server statistics otherwise.
type Manager struct {
	session *discordgo.Session
	log     *logrus.Entry

	mu        sync.Mutex
	listening string
	stop      chan struct{}
	stopOnce  sync.Once
}

func NewManager(session *discordgo.Session, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		session: session,
		log:     log,
		stop:    make(chan struct{}),
	}
}

// NowPlaying switches the presence to a listening activity for the track.
func (m *Manager) NowPlaying(title string) {
	m.mu.Lock()
	m.listening = title
	m.mu.Unlock()
	m.apply()
}

// Clear drops the listening activity and falls back to server statistics.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.listening = ""
	m.mu.Unlock()
	m.apply()
}

func (m *Manager) apply() {
	m.mu.Lock()
	listening := m.listening
	m.mu.Unlock()

	var activity *discordgo.Activity
	if listening != "" {
		activity = &discordgo.Activity{
			Name: listening,
			Type: discordgo.ActivityTypeListening,
		}
	} else {
		guilds := len(m.session.State.Guilds)
		activity = &discordgo.Activity{
			Name: fmt.Sprintf("%d servers", guilds),
			Type: discordgo.ActivityTypeWatching,
		}
	}

	err := m.session.UpdateStatusComplex(discordgo.UpdateStatusData{
		Status:     "online",
		Activities: []*discordgo.Activity{activity},
	})
	if err != nil {
		m.log.WithField("cause", err.Error()).Warn("presence update failed")
	}
}

// StartPeriodicUpdates refreshes the fallback presence until Stop is called.
func (m *Manager) StartPeriodicUpdates() {
	go func() {
		ticker := time.NewTicker(updateInterval)
		defer ticker.Stop()
		m.apply()
		for {
			select {
			case <-ticker.C:
				m.apply()
			case <-m.stop:
				return
			}
		}
	}()
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}
