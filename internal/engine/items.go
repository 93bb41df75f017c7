package engine

// Item is one interactive item on the board.
type Item struct {
	Name             string `json:"name"`
	Uses             int    `json:"uses"`
	UseMessage       string `json:"use_message"`
	EmptyMessage     string `json:"empty_message"`
	ConflictMessage  string `json:"conflict_message"`
	EmptiedThisRound bool   `json:"emptied_this_round"`
}

// itemTemplates are the items a freshly created room can spawn.
var itemTemplates = []Item{
	{
		Name:            "chest",
		Uses:            10,
		UseMessage:      "you put your hand in the box and get a surprise",
		EmptyMessage:    "you put your hand in an empty box",
		ConflictMessage: "you put your hand in the box and feel someone else's hand",
	},
	{
		Name:            "fire",
		Uses:            5,
		UseMessage:      "ow thats hot",
		EmptyMessage:    "someone cooked here",
		ConflictMessage: "you approach the fire but it is too crowded and you cannot find a spot",
	},
}

// interactFailMessages are returned when a client interacts with nothing.
var interactFailMessages = []string{
	"you tried but there was nothing there",
	"you reach out and are disappointed",
	"you interact with the floor",
	"you tried to become one with the floor",
	"slow it down, not right now",
}

// interactOnOtherUser messages get {collided_users} replaced with the
// grammar-joined names of the other clients on the same tile.
var interactOnOtherUser = []string{
	"You look at {collided_users} awkwardly",
	"{collided_users} stare at you, you cant help but notice their concerned looks",
	"{collided_users} turn to look at you",
	"...hi!",
	"WHAT ARE YOU LOOKING AT?!?",
}
