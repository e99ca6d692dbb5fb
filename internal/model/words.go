package model

// Words is the fixed server-side dictionary sampled uniformly at random
// for each round (spec Glossary "Word list"), taken verbatim from the
// source implementation's WORDS constant so the two stay compatible.
var Words = []string{
	"tree", "house", "river", "mountain", "phone", "pencil", "laptop",
	"camera", "bridge", "bicycle", "guitar", "pizza", "football", "rocket",
	"car", "elephant", "flower", "sun", "moon", "cloud", "boat", "castle",
	"train", "airplane", "robot", "glasses", "clock", "coffee", "chair",
	"table", "book", "banana", "apple", "shoes", "umbrella", "window",
	"key", "pizza slice", "snowman", "ice cream", "tree house", "volcano",
	"light bulb", "backpack", "telescope", "horse", "lion", "tiger", "owl",
	"cat", "dog", "spider", "road", "candle", "campfire", "cup", "hat",
	"ring", "watch", "map", "star", "planet", "sandcastle", "waterfall",
	"kite", "panda", "snowflake", "flower pot", "drum", "microphone",
	"headphones", "sunglasses", "rainbow", "tree trunk", "chocolate",
	"burger", "diamond", "tower", "pyramid", "paintbrush", "palm tree",
	"fish", "whale", "shark", "submarine", "hot air balloon",
	"camera lens", "mountain peak",
}
