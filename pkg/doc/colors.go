package doc

import (
	"fmt"
	"hash/fnv"
	"math"
)

// ListColor derives a stable pastel background colour from a list name.
func ListColor(name string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	hue := float64(h.Sum64() % 360)
	r, g, b := oklchToRGB(0.85, 0.09, hue)
	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}

func validColor(c string) bool {
	if len(c) != 7 || c[0] != '#' {
		return false
	}
	for _, ch := range c[1:] {
		switch {
		case ch >= '0' && ch <= '9', ch >= 'a' && ch <= 'f', ch >= 'A' && ch <= 'F':
		default:
			return false
		}
	}
	return true
}

func oklchToRGB(l, c, hueDeg float64) (uint8, uint8, uint8) {
	h := hueDeg * math.Pi / 180
	a := c * math.Cos(h)
	b := c * math.Sin(h)

	lp := l + 0.3963377774*a + 0.2158037573*b
	mp := l - 0.1055613458*a - 0.0638541728*b
	sp := l - 0.0894841775*a - 1.2914855480*b

	l3, m3, s3 := lp*lp*lp, mp*mp*mp, sp*sp*sp

	return toSRGB(4.0767416621*l3 - 3.3077115913*m3 + 0.2309699292*s3),
		toSRGB(-1.2684380046*l3 + 2.6097574011*m3 - 0.3413193965*s3),
		toSRGB(-0.0041960863*l3 - 0.7034186147*m3 + 1.7076147010*s3)
}

func toSRGB(x float64) uint8 {
	x = math.Max(0, math.Min(1, x))
	if x <= 0.0031308 {
		x *= 12.92
	} else {
		x = 1.055*math.Pow(x, 1/2.4) - 0.055
	}
	return uint8(math.Round(x * 255))
}
