// Package tile holds the tile coordinate model and the prompt registry that
// records which prompt produced each generated tile.
package tile

import (
	"fmt"
	"strconv"
	"strings"
)

// Origin is where the seed tile is generated.
var Origin = Coord{X: 0, Y: 0}

// Coord identifies a tile on the unbounded world grid.
type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Key returns the canonical "x_y" encoding used on the wire and in snapshots.
// Decimal integers never contain '_', so the encoding is unambiguous for
// negative coordinates.
func (c Coord) Key() string {
	return strconv.Itoa(c.X) + "_" + strconv.Itoa(c.Y)
}

func (c Coord) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Y)
}

// Offset returns the coordinate dx, dy away from c.
func (c Coord) Offset(dx, dy int) Coord {
	return Coord{X: c.X + dx, Y: c.Y + dy}
}

// ParseKey parses an "x_y" key produced by Coord.Key. Non-canonical spellings
// such as "01_2" or "1_-0" are rejected so every coordinate has one key.
func ParseKey(key string) (Coord, error) {
	xs, ys, ok := strings.Cut(key, "_")
	if !ok {
		return Coord{}, fmt.Errorf("tile key %q: missing separator", key)
	}
	x, err := strconv.Atoi(xs)
	if err != nil {
		return Coord{}, fmt.Errorf("tile key %q: bad x: %w", key, err)
	}
	y, err := strconv.Atoi(ys)
	if err != nil {
		return Coord{}, fmt.Errorf("tile key %q: bad y: %w", key, err)
	}
	c := Coord{X: x, Y: y}
	if c.Key() != key {
		return Coord{}, fmt.Errorf("tile key %q: not canonical, want %q", key, c.Key())
	}
	return c, nil
}
