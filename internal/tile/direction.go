package tile

import "strings"

// Direction is the movement label sent by the game client. Known labels are
// normalized; anything else is kept verbatim since it is only used as phrasing.
type Direction string

const (
	Up          Direction = "Up"
	Down        Direction = "Down"
	Left        Direction = "Left"
	Right       Direction = "Right"
	TopLeft     Direction = "TopLeft"
	TopRight    Direction = "TopRight"
	BottomLeft  Direction = "BottomLeft"
	BottomRight Direction = "BottomRight"
)

var directionAliases = map[string]Direction{
	"up":          Up,
	"north":       Up,
	"n":           Up,
	"down":        Down,
	"south":       Down,
	"s":           Down,
	"left":        Left,
	"west":        Left,
	"w":           Left,
	"right":       Right,
	"east":        Right,
	"e":           Right,
	"topleft":     TopLeft,
	"northwest":   TopLeft,
	"nw":          TopLeft,
	"topright":    TopRight,
	"northeast":   TopRight,
	"ne":          TopRight,
	"bottomleft":  BottomLeft,
	"southwest":   BottomLeft,
	"sw":          BottomLeft,
	"bottomright": BottomRight,
	"southeast":   BottomRight,
	"se":          BottomRight,
}

var directionDeltas = map[Direction][2]int{
	Up:          {0, 1},
	Down:        {0, -1},
	Left:        {-1, 0},
	Right:       {1, 0},
	TopLeft:     {-1, 1},
	TopRight:    {1, 1},
	BottomLeft:  {-1, -1},
	BottomRight: {1, -1},
}

// ParseDirection normalizes a client label. Separators and case are ignored
// for known labels ("north-east", "Top Right"); unknown labels are returned
// trimmed but otherwise unchanged.
func ParseDirection(label string) Direction {
	label = strings.TrimSpace(label)
	folded := strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToLower(label))
	if d, ok := directionAliases[folded]; ok {
		return d
	}
	return Direction(label)
}

// Known reports whether d is one of the eight grid directions.
func (d Direction) Known() bool {
	_, ok := directionDeltas[d]
	return ok
}

// Delta returns the grid step for d, with y growing upwards as in the game
// client. ok is false for unknown or empty directions.
func (d Direction) Delta() (dx, dy int, ok bool) {
	v, ok := directionDeltas[d]
	return v[0], v[1], ok
}

// DirectionBetween returns the direction from src to dst when they are
// neighbours, or "" otherwise.
func DirectionBetween(src, dst Coord) Direction {
	dx, dy := dst.X-src.X, dst.Y-src.Y
	for d, v := range directionDeltas {
		if v[0] == dx && v[1] == dy {
			return d
		}
	}
	return ""
}
