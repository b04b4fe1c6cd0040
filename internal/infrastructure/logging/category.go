package logging

type Category string
type SubCategory string
type ExtraKey string

const (
	General         Category = "General"
	IO              Category = "IO"
	Internal        Category = "Internal"
	Sqlite          Category = "Sqlite"
	RabbitMQ        Category = "RabbitMQ"
	Ledger          Category = "Ledger"
	Ingest          Category = "Ingest"
	Game            Category = "Game"
	Room            Category = "Room"
	WebSocket       Category = "WebSocket"
	Validation      Category = "Validation"
	RequestResponse Category = "RequestResponse"
	Prometheus      Category = "Prometheus"
)

const (
	// General
	Startup         SubCategory = "Startup"
	Shutdown        SubCategory = "Shutdown"
	RateLimiting    SubCategory = "RateLimiting"
	ExternalService SubCategory = "ExternalService"

	// Ingest
	TaskRun     SubCategory = "TaskRun"
	EventDecode SubCategory = "EventDecode"
	EventDrop   SubCategory = "EventDrop"
	EventApply  SubCategory = "EventApply"

	// Game
	TurnResolution SubCategory = "TurnResolution"
	Settlement     SubCategory = "Settlement"
	Closure        SubCategory = "Closure"
	Projection     SubCategory = "Projection"

	// Room
	Membership SubCategory = "Membership"
	Broadcast  SubCategory = "Broadcast"
)

const (
	AppName      ExtraKey = "AppName"
	LoggerName   ExtraKey = "Logger"
	ClientIp     ExtraKey = "ClientIp"
	Method       ExtraKey = "Method"
	StatusCode   ExtraKey = "StatusCode"
	Path         ExtraKey = "Path"
	Latency      ExtraKey = "Latency"
	ErrorMessage ExtraKey = "ErrorMessage"
	Action       ExtraKey = "Action"
	EventID      ExtraKey = "EventId"
	RoomID       ExtraKey = "RoomId"
	GameID       ExtraKey = "GameId"
	ClientID     ExtraKey = "ClientId"
	Address      ExtraKey = "Address"
	Count        ExtraKey = "Count"
	Duration     ExtraKey = "Duration"
)
