package detection

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Labels maps model class ids to display names.
type Labels map[int]string

// Name returns the display name for id, or a placeholder for ids the table lacks.
func (l Labels) Name(id int) string {
	if name, ok := l[id]; ok {
		return name
	}
	return "class " + strconv.Itoa(id)
}

// COCOLabels returns the 90-id COCO label table used by SSD COCO detectors.
// Ids without a category (12, 26, 29, 30, 45, 66, 68, 69, 71, 83) are absent.
func COCOLabels() Labels {
	l := make(Labels, len(cocoNames))
	for id, name := range cocoNames {
		l[id] = name
	}
	return l
}

var cocoNames = map[int]string{
	1: "person", 2: "bicycle", 3: "car", 4: "motorcycle", 5: "airplane",
	6: "bus", 7: "train", 8: "truck", 9: "boat", 10: "traffic light",
	11: "fire hydrant", 13: "stop sign", 14: "parking meter", 15: "bench",
	16: "bird", 17: "cat", 18: "dog", 19: "horse", 20: "sheep", 21: "cow",
	22: "elephant", 23: "bear", 24: "zebra", 25: "giraffe", 27: "backpack",
	28: "umbrella", 31: "handbag", 32: "tie", 33: "suitcase", 34: "frisbee",
	35: "skis", 36: "snowboard", 37: "sports ball", 38: "kite",
	39: "baseball bat", 40: "baseball glove", 41: "skateboard",
	42: "surfboard", 43: "tennis racket", 44: "bottle", 46: "wine glass",
	47: "cup", 48: "fork", 49: "knife", 50: "spoon", 51: "bowl",
	52: "banana", 53: "apple", 54: "sandwich", 55: "orange", 56: "broccoli",
	57: "carrot", 58: "hot dog", 59: "pizza", 60: "donut", 61: "cake",
	62: "chair", 63: "couch", 64: "potted plant", 65: "bed",
	67: "dining table", 70: "toilet", 72: "tv", 73: "laptop", 74: "mouse",
	75: "remote", 76: "keyboard", 77: "cell phone", 78: "microwave",
	79: "oven", 80: "toaster", 81: "sink", 82: "refrigerator", 84: "book",
	85: "clock", 86: "vase", 87: "scissors", 88: "teddy bear",
	89: "hair drier", 90: "toothbrush",
}

// LoadLabels reads a labels file. Each non-empty line is either "id name"
// or a bare name, in which case the id is the 1-based line position.
func LoadLabels(path string) (Labels, error) {
	f, err := os.Open(path) //nolint:gosec // G304: labels path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("open labels file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseLabels(f)
}

// ParseLabels parses labels in the LoadLabels format.
func ParseLabels(r io.Reader) (Labels, error) {
	labels := make(Labels)
	sc := bufio.NewScanner(r)
	pos := 0
	for sc.Scan() {
		line := strings.TrimSpace(norm.NFC.String(sc.Text()))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pos++
		id := pos
		name := line
		if head, tail, ok := strings.Cut(line, " "); ok {
			if n, err := strconv.Atoi(head); err == nil {
				id = n
				name = strings.TrimSpace(tail)
			}
		}
		labels[id] = name
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	if len(labels) == 0 {
		return nil, errors.New("labels file is empty")
	}
	return labels, nil
}
