package authority

import (
	"fmt"

	"github.com/google/uuid"

	"skirmish/server/settlement"
)

var devNamespace = uuid.MustParse("6f1c2a4e-5b0d-4c3e-9a57-2d8e4f1b7c90")

// DevUserID は開発用ユーザー i のIDです。ボットと開発用サーバーで同じ値になります。
func DevUserID(i int) uuid.UUID {
	return uuid.NewSHA1(devNamespace, []byte(fmt.Sprintf("dev-user-%d", i)))
}

// DevUsers は開発用サーバーに登録するユーザーを n 人分作ります。
func DevUsers(n int, region string) []settlement.User {
	users := make([]settlement.User, 0, n)
	for i := range n {
		id := DevUserID(i).String()
		users = append(users, settlement.User{
			ID:     id,
			Name:   fmt.Sprintf("bot-%d", i),
			Region: region,
			Gold:   1000,
			Character: settlement.Character{
				ID:     "char-" + id,
				Rating: settlement.DefaultPlayerRating(),
				Equipment: []settlement.EquippedItem{
					{ItemID: fmt.Sprintf("sword-%d", i), Value: 20000},
					{ItemID: fmt.Sprintf("shield-%d", i), Value: 12000},
				},
			},
		})
	}
	return users
}
