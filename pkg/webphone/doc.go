// Package webphone реализует клиентский слой управления голосовыми вызовами
// поверх внешнего сигнального транспорта.
//
// Пакет содержит три взаимосвязанных компонента:
//
//   - ConnectionManager — жизненный цикл регистрации endpoint'а на сигнальном
//     сервере с политикой переподключения по фиксированной лестнице задержек;
//   - Registry — авторитетное хранилище живых сессий вызовов;
//   - CallManager — машина состояний вызова: обработка событий транспорта,
//     команды (answer, hold, transfer, record, DTMF и т.д.) и рассылка
//     колбэков жизненного цикла.
//
// Сигнальный транспорт, REST клиент, аутентификация и прочие коллабораторы
// поставляются снаружи через конфигурационные структуры и описаны
// интерфейсами. Медиа-слой (захват звука, кодеки) пакетом не затрагивается.
//
// Инварианты, которые поддерживает пакет:
//
//   - идентификаторы сессий уникальны в пределах реестра;
//   - в любой момент активна (connected и не на удержании) не более одной
//     сессии: перед активацией новой все остальные ставятся на hold;
//   - счетчик попыток переподключения монотонно растет при последовательных
//     отказах регистрации и сбрасывается при первом успехе.
package webphone
