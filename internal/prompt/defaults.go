package prompt

// Baseline is the style prefix every tile prompt starts with.
const Baseline = "A 2D game sprite, Pixel art, 64 bit, top-view, 2d tilemap, game, flat design"

// DefaultNegative suppresses perspective, UI and character artifacts.
const DefaultNegative = "3D, walls, unnatural, rough, unrealistic, closed area, towered, limited, side view, " +
	"watermark, signature, artist, inappropriate content, objects, game ui, ui, buttons, walled, grid, " +
	"character, white edges, single portrait, edged, island, bottom ui, bottom blocks, player, creatures, " +
	"life, uneven roads, human, living, perspective, 3D, depth, shadows, vanishing point, isometric, " +
	"gradient shading, foreshortening, parallax, skewed angles, distorted, photorealistic, " +
	"realistic lighting, complex shading, dynamic lighting, occlusion"

// Descriptions used when a request leaves pos_prompt empty.
const (
	DefaultSeedDescription   = "2d game map, urban, dessert, town, open world"
	DefaultExtendDescription = "natural, 2d game map, urban, dessert, town, open world, connected, smooth transition, natural"
)
