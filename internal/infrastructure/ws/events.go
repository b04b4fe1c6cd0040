package ws

// Inbound commands.
const (
	CmdRooms      = "rooms"
	CmdCreateRoom = "createRoom"
	CmdJoinRoom   = "joinRoom"
	CmdLeaveRoom  = "leaveRoom"
	CmdStartGame  = "startGame"
	CmdGameState  = "gameState"
)
