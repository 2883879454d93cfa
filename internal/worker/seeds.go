package worker

// defaultSeeds is the curated starting set for climate impact coverage.
var defaultSeeds = []string{
	"https://www.ipcc.ch/",
	"https://climate.nasa.gov/",
	"https://www.noaa.gov/climate",
	"https://www.epa.gov/climate-change",
	"https://www.carbonbrief.org/",
	"https://insideclimatenews.org/",
	"https://www.climate.gov/news-features",
	"https://unfccc.int/news",
	"https://public.wmo.int/en/media/news",
	"https://www.unep.org/news-and-stories",
}

// DefaultSeeds returns a copy of the built-in seed list.
func DefaultSeeds() []string {
	out := make([]string, len(defaultSeeds))
	copy(out, defaultSeeds)
	return out
}
