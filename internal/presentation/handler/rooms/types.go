package rooms

import "github.com/hilthontt/monopoly/internal/domain"

type roomsResponse struct {
	Rooms []domain.Room `json:"rooms"`
}

type historyResponse struct {
	Records []domain.HistoryRecord `json:"records"`
}
