// Package favorites persists the user's saved channels as a small YAML file
// in the user config directory. Favorite channels are joined on startup;
// starred ones are a subset the presentation pins to the top.
//
// Earlier releases kept the same data in favorites.toml. When the YAML file
// does not exist yet, a TOML file in the same directory is imported once; the
// TOML file itself is left untouched.
package favorites

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pelletier/go-toml/v2"

	"github.com/onnwee/admiral/channels"
)

// LegacyFile is the name of the TOML favorites file imported by Load.
const LegacyFile = "favorites.toml"

var (
	ErrInvalidChannel = errors.New("favorites: invalid channel name")
	ErrInvalidColor   = errors.New("favorites: color must be #rrggbb")
)

type file struct {
	Channels        []string `yaml:"channels" toml:"channels"`
	Starred         []string `yaml:"starred,omitempty" toml:"starred"`
	BackgroundColor string   `yaml:"background_color,omitempty" toml:"background_color"`
}

// Store is a favorites file loaded into memory. Every mutation is written
// back before it returns.
type Store struct {
	path string

	mu   sync.Mutex
	data file
}

// Load reads the favorites at path. A missing file yields an empty store that
// is created on first save.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, s.importLegacy(filepath.Join(filepath.Dir(path), LegacyFile))
	}
	if err != nil {
		return nil, fmt.Errorf("read favorites: %w", err)
	}
	if err := yaml.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("parse favorites %s: %w", path, err)
	}
	s.clean()
	return s, nil
}

// importLegacy loads a TOML favorites file, if one exists, and writes it
// back in the current format.
func (s *Store) importLegacy(legacy string) error {
	raw, err := os.ReadFile(legacy)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read legacy favorites: %w", err)
	}
	var data file
	if err := toml.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parse legacy favorites %s: %w", legacy, err)
	}
	if data.BackgroundColor != "" && !ValidColor(data.BackgroundColor) {
		data.BackgroundColor = ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	s.clean()
	return s.saveLocked()
}

func (s *Store) clean() {
	s.data.Channels = cleanList(s.data.Channels)
	s.data.Starred = cleanList(s.data.Starred)
	s.data.Starred = slices.DeleteFunc(s.data.Starred, func(c string) bool {
		_, found := slices.BinarySearch(s.data.Channels, c)
		return !found
	})
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Save writes the current contents atomically.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create favorites dir: %w", err)
	}
	out, err := yaml.Marshal(&s.data)
	if err != nil {
		return fmt.Errorf("encode favorites: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".favorites-*.yaml")
	if err != nil {
		return fmt.Errorf("write favorites: %w", err)
	}
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write favorites: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write favorites: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace favorites: %w", err)
	}
	return nil
}

// Channels returns the favorite channels, sorted.
func (s *Store) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.data.Channels)
}

// Starred returns the starred channels, sorted.
func (s *Store) Starred() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.data.Starred)
}

// Contains reports whether ch is a favorite.
func (s *Store) Contains(ch string) bool {
	ch = channels.Normalize(ch)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := slices.BinarySearch(s.data.Channels, ch)
	return ok
}

// IsStarred reports whether ch is starred.
func (s *Store) IsStarred(ch string) bool {
	ch = channels.Normalize(ch)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := slices.BinarySearch(s.data.Starred, ch)
	return ok
}

// Add saves ch as a favorite. It returns false when ch already was one.
func (s *Store) Add(ch string) (bool, error) {
	ch = channels.Normalize(ch)
	if !channels.Valid(ch) {
		return false, ErrInvalidChannel
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i, found := slices.BinarySearch(s.data.Channels, ch)
	if found {
		return false, nil
	}
	s.data.Channels = slices.Insert(s.data.Channels, i, ch)
	return true, s.saveLocked()
}

// Remove drops ch from favorites and from the starred list.
func (s *Store) Remove(ch string) error {
	ch = channels.Normalize(ch)
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.data.Channels) + len(s.data.Starred)
	s.data.Channels = slices.DeleteFunc(s.data.Channels, func(c string) bool { return c == ch })
	s.data.Starred = slices.DeleteFunc(s.data.Starred, func(c string) bool { return c == ch })
	if len(s.data.Channels)+len(s.data.Starred) == before {
		return nil
	}
	return s.saveLocked()
}

// Toggle flips the star on a favorite channel and returns the new state.
// Channels that are not favorites cannot be starred.
func (s *Store) Toggle(ch string) (bool, error) {
	ch = channels.Normalize(ch)
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, found := slices.BinarySearch(s.data.Starred, ch); found {
		s.data.Starred = slices.Delete(s.data.Starred, i, i+1)
		return false, s.saveLocked()
	}
	if _, found := slices.BinarySearch(s.data.Channels, ch); !found {
		return false, nil
	}
	i, _ := slices.BinarySearch(s.data.Starred, ch)
	s.data.Starred = slices.Insert(s.data.Starred, i, ch)
	return true, s.saveLocked()
}

// BackgroundColor returns the saved chat background color, if any.
func (s *Store) BackgroundColor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.BackgroundColor
}

// SetBackgroundColor stores a #rrggbb color; an empty string clears it.
func (s *Store) SetBackgroundColor(color string) error {
	if color != "" && !ValidColor(color) {
		return ErrInvalidColor
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.BackgroundColor = color
	return s.saveLocked()
}

// ValidColor reports whether color is a #rrggbb hex string.
func ValidColor(color string) bool {
	if len(color) != 7 || color[0] != '#' {
		return false
	}
	for _, r := range color[1:] {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = channels.Normalize(c)
		if channels.Valid(c) {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
