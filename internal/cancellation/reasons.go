package cancellation

import (
	"errors"
	"strings"
)

type Category string

const (
	CategoryGeneral        Category = "general"
	CategoryDriverVehicle  Category = "driver_vehicle"
	CategoryLocationPickup Category = "location_pickup"
	CategorySafetyComfort  Category = "safety_comfort"
	CategoryPricePayment   Category = "price_payment"
	CategoryOther          Category = "other"
)

// FeeBucket tags a reason for downstream dispute handling. The fee shown to
// the rider is flat regardless of bucket.
type FeeBucket string

const (
	BucketStandard      FeeBucket = "standard"
	BucketDriverAtFault FeeBucket = "driver_at_fault"
	BucketSafety        FeeBucket = "safety"
	BucketReview        FeeBucket = "review"
)

// OtherLabel is the open-ended leaf present in every category.
const OtherLabel = "Other"

var (
	ErrUnknownReason    = errors.New("unknown cancellation reason")
	ErrFreeTextRequired = errors.New("free text is required for \"Other\"")
)

type Reason struct {
	Category Category  `json:"category"`
	Label    string    `json:"label"`
	Bucket   FeeBucket `json:"fee_bucket"`
	// FreeText reasons need a non-empty elaboration.
	FreeText bool `json:"free_text"`
}

type Group struct {
	Category Category `json:"category"`
	Title    string   `json:"title"`
	Reasons  []Reason `json:"reasons"`
}

var taxonomy = []Group{
	group(CategoryGeneral, "General", BucketStandard,
		"Changed my mind",
		"Booked by mistake",
		"Found another ride",
		"Plans changed",
	),
	group(CategoryDriverVehicle, "Driver or vehicle", BucketDriverAtFault,
		"Driver arrived late",
		"Driver asked me to cancel",
		"Driver not moving towards pickup",
		"Vehicle does not match",
	),
	group(CategoryLocationPickup, "Location or pickup", BucketStandard,
		"Wrong pickup location",
		"Wrong drop location",
		"Driver could not find pickup",
	),
	group(CategorySafetyComfort, "Safety or comfort", BucketSafety,
		"Driver behaviour made me uncomfortable",
		"Vehicle felt unsafe",
		"Too many passengers",
	),
	group(CategoryPricePayment, "Price or payment", BucketReview,
		"Fare is too high",
		"Driver asked for extra money",
		"Payment method problem",
	),
	group(CategoryOther, "Other", BucketReview),
}

func group(c Category, title string, bucket FeeBucket, labels ...string) Group {
	g := Group{Category: c, Title: title}
	for _, l := range labels {
		g.Reasons = append(g.Reasons, Reason{Category: c, Label: l, Bucket: bucket})
	}
	g.Reasons = append(g.Reasons, Reason{Category: c, Label: OtherLabel, Bucket: BucketReview, FreeText: true})
	return g
}

// Taxonomy returns a copy of the closed reason set.
func Taxonomy() []Group {
	out := make([]Group, len(taxonomy))
	for i, g := range taxonomy {
		g.Reasons = append([]Reason(nil), g.Reasons...)
		out[i] = g
	}
	return out
}

// Lookup finds a leaf reason. Labels match case-insensitively.
func Lookup(c Category, label string) (Reason, error) {
	for _, g := range taxonomy {
		if g.Category != c {
			continue
		}
		for _, r := range g.Reasons {
			if strings.EqualFold(r.Label, strings.TrimSpace(label)) {
				return r, nil
			}
		}
	}
	return Reason{}, ErrUnknownReason
}

// Selection is what the rider picked.
type Selection struct {
	Category Category `json:"category"`
	Reason   string   `json:"reason"`
	FreeText string   `json:"free_text,omitempty"`
}

// Resolve validates the selection against the taxonomy.
func (s Selection) Resolve() (Reason, error) {
	r, err := Lookup(s.Category, s.Reason)
	if err != nil {
		return Reason{}, err
	}
	if r.FreeText && strings.TrimSpace(s.FreeText) == "" {
		return Reason{}, ErrFreeTextRequired
	}
	return r, nil
}
