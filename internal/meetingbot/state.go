package meetingbot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// Record is the locally tracked view of a bot.
type Record struct {
	ID         string `json:"id"`
	MeetingURL string `json:"meeting_url"`
	BotName    string `json:"bot_name"`
	CreatedAt  string `json:"created_at"`
	Status     string `json:"status"`
}

// StateFile keeps a JSON map of bots created from this machine. A zero path
// disables persistence.
type StateFile struct {
	path string
	mu   sync.Mutex
}

func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

func (s *StateFile) Load() (map[string]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *StateFile) Put(bot Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return nil
	}
	records, err := s.load()
	if err != nil {
		return err
	}
	records[bot.ID] = Record{
		ID:         bot.ID,
		MeetingURL: bot.Meeting(),
		BotName:    bot.BotName,
		CreatedAt:  bot.CreatedAt,
		Status:     bot.Status(),
	}
	return s.save(records)
}

func (s *StateFile) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return nil
	}
	records, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := records[id]; !ok {
		return nil
	}
	delete(records, id)
	return s.save(records)
}

func (s *StateFile) load() (map[string]Record, error) {
	records := map[string]Record{}
	if s.path == "" {
		return records, nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return records, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read bot state: %w", err)
	}
	if len(data) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse bot state: %w", err)
	}
	return records, nil
}

func (s *StateFile) save(records map[string]Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}
