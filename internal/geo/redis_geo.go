package geo

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/example/toll-recovery/internal/models"
)

// RedisPlazaIndex implements PlazaLocator over Redis GEO commands so multiple
// processes share one plaza map.
type RedisPlazaIndex struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisPlazaIndex(addr, password, key string) *RedisPlazaIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisPlazaIndex{client: c, key: key, ctx: context.Background()}
}

func (r *RedisPlazaIndex) Upsert(plazaID string, c models.Coord) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: c.Lon, Latitude: c.Lat, Name: plazaID}).Result()
}

func (r *RedisPlazaIndex) Locate(plazaID string) (models.Coord, bool) {
	res, err := r.client.GeoPos(r.ctx, r.key, plazaID).Result()
	if err != nil || len(res) == 0 || res[0] == nil {
		return models.Coord{}, false
	}
	return models.Coord{Lat: res[0].Latitude, Lon: res[0].Longitude}, true
}

// Ping reports redis connectivity for readiness checks.
func (r *RedisPlazaIndex) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisPlazaIndex) Close() error { return r.client.Close() }
