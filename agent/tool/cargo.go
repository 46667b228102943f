package tool

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

const (
	ToolCargoTotalWeight      = "cargo_total_weight"
	ToolCargoTotalVolume      = "cargo_total_volume"
	ToolCargoDimensionalFit   = "cargo_dimensional_fit"
	ToolCargoWeightConstraint = "cargo_weight_constraints"
	ToolCargoULDRequirements  = "cargo_uld_requirements"
	ToolCargoCompareULDs      = "cargo_compare_uld_options"
)

// HeightOverhangCM is the loading allowance above a container's internal height.
const HeightOverhangCM = 5.0

// ULDSpec describes a unit load device. Weights in kg, volume in m³,
// internal dimensions in cm.
type ULDSpec struct {
	Code     string  `json:"code"`
	Name     string  `json:"name"`
	MaxGross float64 `json:"max_gross_kg"`
	Tare     float64 `json:"tare_kg"`
	MaxNet   float64 `json:"max_net_kg"`
	Volume   float64 `json:"volume_m3"`
	Length   float64 `json:"length_cm"`
	Width    float64 `json:"width_cm"`
	Height   float64 `json:"height_cm"`
}

var uldTable = []ULDSpec{
	{Code: "AKE", Name: "LD3", MaxGross: 1588, Tare: 85, MaxNet: 1503, Volume: 3.5, Length: 150, Width: 147, Height: 157},
	{Code: "AAA", Name: "LD7", MaxGross: 4626, Tare: 120, MaxNet: 4506, Volume: 7.2, Length: 311, Width: 147, Height: 157},
	{Code: "AKN", Name: "LD8", MaxGross: 2449, Tare: 105, MaxNet: 2344, Volume: 5.5, Length: 238, Width: 147, Height: 157},
	{Code: "AAP", Name: "LD6", MaxGross: 3176, Tare: 115, MaxNet: 3061, Volume: 7.2, Length: 311, Width: 147, Height: 157},
	{Code: "AMA", Name: "LD9", MaxGross: 6804, Tare: 180, MaxNet: 6624, Volume: 11.6, Length: 311, Width: 238, Height: 157},
}

func ULDTypes() []ULDSpec {
	return append([]ULDSpec(nil), uldTable...)
}

func LookupULD(code string) (ULDSpec, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, spec := range uldTable {
		if spec.Code == code {
			return spec, nil
		}
	}
	codes := make([]string, 0, len(uldTable))
	for _, spec := range uldTable {
		codes = append(codes, spec.Code)
	}
	return ULDSpec{}, fmt.Errorf("unknown ULD type %q, valid types: %s", code, strings.Join(codes, ", "))
}

type CargoItem struct {
	Weight   float64 `json:"weight"`
	Length   float64 `json:"length"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Quantity float64 `json:"quantity"`
}

type CargoLine struct {
	Quantity int     `json:"quantity"`
	Each     float64 `json:"each"`
	Subtotal float64 `json:"subtotal"`
}

type TotalWeightOutput struct {
	TotalKG float64     `json:"total_kg"`
	Lines   []CargoLine `json:"lines"`
}

type TotalVolumeOutput struct {
	TotalM3 float64     `json:"total_m3"`
	Lines   []CargoLine `json:"lines"`
}

type DimensionalFitOutput struct {
	ULD             string   `json:"uld"`
	Name            string   `json:"name"`
	Fits            bool     `json:"fits"`
	LengthClearance float64  `json:"length_clearance_cm"`
	WidthClearance  float64  `json:"width_clearance_cm"`
	HeightClearance float64  `json:"height_clearance_cm"`
	Exceeded        []string `json:"exceeded,omitempty"`
}

type WeightConstraintOutput struct {
	ULD         string  `json:"uld"`
	Name        string  `json:"name"`
	Valid       bool    `json:"valid"`
	IncludeTare bool    `json:"include_tare"`
	CapacityKG  float64 `json:"capacity_kg"`
	LoadedKG    float64 `json:"loaded_kg"`
	RemainingKG float64 `json:"remaining_kg,omitempty"`
	ExcessKG    float64 `json:"excess_kg,omitempty"`
	Utilization float64 `json:"utilization_pct"`
}

type ULDRequirementOutput struct {
	ULD               string  `json:"uld"`
	Name              string  `json:"name"`
	Required          int     `json:"required"`
	LimitingFactor    string  `json:"limiting_factor"`
	ByWeight          float64 `json:"by_weight"`
	ByVolume          float64 `json:"by_volume"`
	WeightUtilization float64 `json:"weight_utilization_pct"`
	VolumeUtilization float64 `json:"volume_utilization_pct"`
}

type ULDOption struct {
	ULD                string  `json:"uld"`
	Name               string  `json:"name"`
	Quantity           int     `json:"quantity"`
	WeightUtilization  float64 `json:"weight_utilization_pct"`
	VolumeUtilization  float64 `json:"volume_utilization_pct"`
	AverageUtilization float64 `json:"average_utilization_pct"`
}

type CompareULDOutput struct {
	Recommended ULDOption   `json:"recommended"`
	Options     []ULDOption `json:"options"`
}

func TotalWeight(items []CargoItem) (TotalWeightOutput, error) {
	if len(items) == 0 {
		return TotalWeightOutput{}, errors.New("at least one cargo item is required")
	}
	var out TotalWeightOutput
	for i, item := range items {
		qty, err := quantity(item, i)
		if err != nil {
			return TotalWeightOutput{}, err
		}
		if item.Weight < 0 {
			return TotalWeightOutput{}, fmt.Errorf("item %d: weight must be >= 0", i+1)
		}
		sub := item.Weight * float64(qty)
		out.TotalKG += sub
		out.Lines = append(out.Lines, CargoLine{Quantity: qty, Each: item.Weight, Subtotal: sub})
	}
	return out, nil
}

// TotalVolume converts item dimensions in cm to a total in m³.
func TotalVolume(items []CargoItem) (TotalVolumeOutput, error) {
	if len(items) == 0 {
		return TotalVolumeOutput{}, errors.New("at least one cargo item is required")
	}
	var out TotalVolumeOutput
	for i, item := range items {
		qty, err := quantity(item, i)
		if err != nil {
			return TotalVolumeOutput{}, err
		}
		if item.Length < 0 || item.Width < 0 || item.Height < 0 {
			return TotalVolumeOutput{}, fmt.Errorf("item %d: dimensions must be >= 0", i+1)
		}
		each := item.Length * item.Width * item.Height / 1_000_000
		sub := each * float64(qty)
		out.TotalM3 += sub
		out.Lines = append(out.Lines, CargoLine{Quantity: qty, Each: each, Subtotal: sub})
	}
	return out, nil
}

func DimensionalFit(length, width, height float64, uld string) (DimensionalFitOutput, error) {
	spec, err := LookupULD(uld)
	if err != nil {
		return DimensionalFitOutput{}, err
	}
	if length <= 0 || width <= 0 || height <= 0 {
		return DimensionalFitOutput{}, errors.New("cargo dimensions must be > 0")
	}

	out := DimensionalFitOutput{
		ULD:             spec.Code,
		Name:            spec.Name,
		LengthClearance: spec.Length - length,
		WidthClearance:  spec.Width - width,
		HeightClearance: spec.Height + HeightOverhangCM - height,
	}
	if out.LengthClearance < 0 {
		out.Exceeded = append(out.Exceeded, "length")
	}
	if out.WidthClearance < 0 {
		out.Exceeded = append(out.Exceeded, "width")
	}
	if out.HeightClearance < 0 {
		out.Exceeded = append(out.Exceeded, "height")
	}
	out.Fits = len(out.Exceeded) == 0
	return out, nil
}

// WeightConstraints checks cargo against gross capacity (tare added) or net
// capacity (tare ignored).
func WeightConstraints(uld string, cargoKG float64, includeTare bool) (WeightConstraintOutput, error) {
	spec, err := LookupULD(uld)
	if err != nil {
		return WeightConstraintOutput{}, err
	}
	if cargoKG < 0 {
		return WeightConstraintOutput{}, errors.New("cargo weight must be >= 0")
	}

	out := WeightConstraintOutput{
		ULD:         spec.Code,
		Name:        spec.Name,
		IncludeTare: includeTare,
		CapacityKG:  spec.MaxNet,
		LoadedKG:    cargoKG,
	}
	if includeTare {
		out.CapacityKG = spec.MaxGross
		out.LoadedKG = cargoKG + spec.Tare
	}

	out.Valid = out.LoadedKG <= out.CapacityKG
	if out.Valid {
		out.RemainingKG = out.CapacityKG - out.LoadedKG
	} else {
		out.ExcessKG = out.LoadedKG - out.CapacityKG
	}
	out.Utilization = out.LoadedKG / out.CapacityKG * 100
	return out, nil
}

func ULDRequirements(totalKG, totalM3 float64, uld string) (ULDRequirementOutput, error) {
	spec, err := LookupULD(uld)
	if err != nil {
		return ULDRequirementOutput{}, err
	}
	opt, byWeight, byVolume, err := sizeFor(spec, totalKG, totalM3)
	if err != nil {
		return ULDRequirementOutput{}, err
	}

	limiting := "volume"
	if math.Ceil(byWeight) > math.Ceil(byVolume) {
		limiting = "weight"
	}
	return ULDRequirementOutput{
		ULD:               spec.Code,
		Name:              spec.Name,
		Required:          opt.Quantity,
		LimitingFactor:    limiting,
		ByWeight:          byWeight,
		ByVolume:          byVolume,
		WeightUtilization: opt.WeightUtilization,
		VolumeUtilization: opt.VolumeUtilization,
	}, nil
}

// CompareULDOptions ranks every ULD type by average of weight and volume
// utilization, best first.
func CompareULDOptions(totalKG, totalM3 float64) (CompareULDOutput, error) {
	options := make([]ULDOption, 0, len(uldTable))
	for _, spec := range uldTable {
		opt, _, _, err := sizeFor(spec, totalKG, totalM3)
		if err != nil {
			return CompareULDOutput{}, err
		}
		options = append(options, opt)
	}
	sort.SliceStable(options, func(i, j int) bool {
		return options[i].AverageUtilization > options[j].AverageUtilization
	})
	return CompareULDOutput{Recommended: options[0], Options: options}, nil
}

func sizeFor(spec ULDSpec, totalKG, totalM3 float64) (ULDOption, float64, float64, error) {
	if totalKG < 0 || totalM3 < 0 {
		return ULDOption{}, 0, 0, errors.New("weight and volume must be >= 0")
	}
	if totalKG == 0 && totalM3 == 0 {
		return ULDOption{}, 0, 0, errors.New("weight or volume must be > 0")
	}

	byWeight := totalKG / spec.MaxNet
	byVolume := totalM3 / spec.Volume
	qty := int(math.Max(math.Ceil(byWeight), math.Ceil(byVolume)))

	opt := ULDOption{
		ULD:               spec.Code,
		Name:              spec.Name,
		Quantity:          qty,
		WeightUtilization: totalKG / (float64(qty) * spec.MaxNet) * 100,
		VolumeUtilization: totalM3 / (float64(qty) * spec.Volume) * 100,
	}
	opt.AverageUtilization = (opt.WeightUtilization + opt.VolumeUtilization) / 2
	return opt, byWeight, byVolume, nil
}

func quantity(item CargoItem, idx int) (int, error) {
	if item.Quantity == 0 {
		return 1, nil
	}
	if item.Quantity < 0 || item.Quantity != math.Trunc(item.Quantity) {
		return 0, fmt.Errorf("item %d: quantity must be a positive whole number", idx+1)
	}
	return int(item.Quantity), nil
}

// cargoItemsArg accepts either a JSON array or a JSON-encoded string of one.
func cargoItemsArg(args map[string]any, key string) ([]CargoItem, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, fmt.Errorf("%s is required", key)
	}

	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%s is not valid JSON: %v", key, err)
		}
		data = b
	}

	var items []CargoItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%s must be a list of cargo items: %v", key, err)
	}
	return items, nil
}
