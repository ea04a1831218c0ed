package downloader

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"

	"binance-grid-trader-go/internal/models"
)

// KlineDownloader 用于从币安下载K线数据，为ATR等指标提供历史样本
type KlineDownloader struct {
	client *binance.Client
}

// NewKlineDownloader 创建一个新的下载器实例
func NewKlineDownloader() *KlineDownloader {
	return &KlineDownloader{
		client: binance.NewClient("", ""), // 公共接口不需要API Key
	}
}

// DownloadCandles fetches the most recent candles for the symbol and
// interval, paging through the API in chunks of at most 1000.
func (d *KlineDownloader) DownloadCandles(ctx context.Context, symbol, interval string, startTime, endTime time.Time) ([]models.Candle, error) {
	var candles []models.Candle

	for t := startTime; t.Before(endTime); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(t.UnixMilli()).
			Limit(1000). // 币安单次请求最多1000条
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("下载K线数据失败: %v", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			c, err := candleFromKline(k)
			if err != nil {
				return nil, err
			}
			candles = append(candles, c)
		}

		// 更新下一次请求的开始时间
		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond): // 避免过于频繁的请求
		}
	}

	return candles, nil
}

// RecentCandles fetches the last count candles ending now.
func (d *KlineDownloader) RecentCandles(ctx context.Context, symbol, interval string, count int) ([]models.Candle, error) {
	klines, err := d.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(count).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("下载K线数据失败: %v", err)
	}

	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		c, err := candleFromKline(k)
		if err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// FetchKlines 实现 exchange.KlineProvider，让ATR直接用公共K线接口喂样本，
// 不占用带签名的交易请求配额。
func (d *KlineDownloader) FetchKlines(symbol, interval string, limit int) ([]models.Candle, error) {
	return d.RecentCandles(context.Background(), symbol, interval, limit)
}

func candleFromKline(k *binance.Kline) (models.Candle, error) {
	var c models.Candle
	var err error
	if c.Open, err = strconv.ParseFloat(k.Open, 64); err != nil {
		return c, fmt.Errorf("invalid kline open %q: %v", k.Open, err)
	}
	if c.High, err = strconv.ParseFloat(k.High, 64); err != nil {
		return c, fmt.Errorf("invalid kline high %q: %v", k.High, err)
	}
	if c.Low, err = strconv.ParseFloat(k.Low, 64); err != nil {
		return c, fmt.Errorf("invalid kline low %q: %v", k.Low, err)
	}
	if c.Close, err = strconv.ParseFloat(k.Close, 64); err != nil {
		return c, fmt.Errorf("invalid kline close %q: %v", k.Close, err)
	}
	if c.Volume, err = strconv.ParseFloat(k.Volume, 64); err != nil {
		return c, fmt.Errorf("invalid kline volume %q: %v", k.Volume, err)
	}
	c.OpenTime = time.UnixMilli(k.OpenTime)
	c.CloseTime = time.UnixMilli(k.CloseTime)
	return c, nil
}
