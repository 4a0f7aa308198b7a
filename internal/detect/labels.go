package detect

// labels is the class order the detection model was trained with (COCO, 80
// classes). Index i of a prediction maps to labels[i]; the order is frozen.
var labels = [80]string{
	"person", "bicycle", "car", "motorcycle", "airplane",
	"bus", "train", "truck", "boat", "traffic light",
	"fire hydrant", "stop sign", "parking meter", "bench", "bird",
	"cat", "dog", "horse", "sheep", "cow",
	"elephant", "bear", "zebra", "giraffe", "backpack",
	"umbrella", "handbag", "tie", "suitcase", "frisbee",
	"skis", "snowboard", "sports ball", "kite", "baseball bat",
	"baseball glove", "skateboard", "surfboard", "tennis racket", "bottle",
	"wine glass", "cup", "fork", "knife", "spoon",
	"bowl", "banana", "apple", "sandwich", "orange",
	"broccoli", "carrot", "hot dog", "pizza", "donut",
	"cake", "chair", "couch", "potted plant", "bed",
	"dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven",
	"toaster", "sink", "refrigerator", "book", "clock",
	"vase", "scissors", "teddy bear", "hair drier", "toothbrush",
}

// DefaultAllowList is the exam-relevant vocabulary. Anything else the model
// sees is dropped, whatever its score.
var DefaultAllowList = []string{
	"person", "cell phone", "laptop", "book", "tv", "keyboard", "mouse", "remote",
}

// Label returns the label for class index i.
func Label(i int) (string, bool) {
	if i < 0 || i >= len(labels) {
		return "", false
	}
	return labels[i], true
}

// ClassIndex returns the class index for name, or -1.
func ClassIndex(name string) int {
	for i, l := range labels {
		if l == name {
			return i
		}
	}
	return -1
}

// Labels returns a copy of the ordered label table.
func Labels() []string {
	out := make([]string, len(labels))
	copy(out, labels[:])
	return out
}

// matchesLabelTable reports whether classes is exactly the frozen table.
func matchesLabelTable(classes []string) (int, bool) {
	if len(classes) != len(labels) {
		return -1, false
	}
	for i, c := range classes {
		if c != labels[i] {
			return i, false
		}
	}
	return -1, true
}
